package kitchen

import (
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/kokki/pkg/engine"
)

// MissingParameter is a mandatory parameter absent from the config tree.
type MissingParameter struct {
	Recipe    string `json:"recipe"`
	Parameter string `json:"parameter"`
	// ResolvedTo is the deepest prefix of the parameter path that exists.
	ResolvedTo string `json:"resolved_to"`
}

func (m MissingParameter) String() string {
	return fmt.Sprintf("%s: missing mandatory parameter %s (resolved up to %s)", m.Recipe, m.Parameter, m.ResolvedTo)
}

// ValidationError aggregates every missing mandatory parameter.
type ValidationError struct {
	Missing []MissingParameter
}

func (e *ValidationError) Error() string {
	lines := make([]string, len(e.Missing))
	for i, m := range e.Missing {
		lines[i] = "  " + m.String()
	}
	return fmt.Sprintf("%d mandatory parameter(s) missing:\n%s", len(e.Missing), strings.Join(lines, "\n"))
}

// CheckInput verifies that every mandatory parameter of every included
// recipe is present. Present but falsy values count as set.
func (k *Kitchen) CheckInput() error {
	var missing []MissingParameter
	tree := k.env.Config()

	for _, full := range k.included {
		cbName, recipe := RecipeName(full)
		cb, err := k.LoadCookbook(cbName)
		if err != nil {
			return err
		}
		md, err := cb.Metadata(k)
		if err != nil {
			return err
		}
		params := md.MandatoryParameters(recipe)
		sort.Strings(params)
		for _, p := range params {
			_, resolved, ok := tree.Lookup(p)
			if ok {
				continue
			}
			where := "env.config"
			if resolved != "" {
				where += "." + resolved
			}
			missing = append(missing, MissingParameter{Recipe: full, Parameter: p, ResolvedTo: where})
		}
	}

	if len(missing) == 0 {
		return nil
	}
	verr := &ValidationError{Missing: missing}
	return engine.NewUserError(engine.ErrCodeMissingParameters, verr.Error(), verr)
}
