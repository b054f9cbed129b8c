package changes

import (
	"encoding/json"
	"fmt"
	"slices"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"companyhub/internal/providers"
)

var (
	names    = []string{"ACME", "Globex", "Initech", "Umbrella"}
	statuses = []string{"Czynny", "Zwolniony", "Niezarejestrowany"}
	tags     = []string{"p", "q", "r", "s"}
)

// payloadSeed drives a synthetic MF-shaped payload.
type payloadSeed struct {
	Name     int
	Status   int
	Tags     []int
	Accounts []int
}

func genSeed() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(0, len(names)-1),
		gen.IntRange(0, len(statuses)-1),
		gen.SliceOfN(5, gen.IntRange(0, len(tags)-1)),
		gen.SliceOfN(4, gen.IntRange(0, 5)),
	).Map(func(v []any) payloadSeed {
		return payloadSeed{
			Name:     v[0].(int),
			Status:   v[1].(int),
			Tags:     v[2].([]int),
			Accounts: v[3].([]int),
		}
	})
}

func (s payloadSeed) build(reverse bool) json.RawMessage {
	partners := make([]string, 0, len(s.Tags))
	for _, t := range s.Tags {
		partners = append(partners, tags[t])
	}

	seen := make(map[int]bool)
	accounts := make([]map[string]any, 0, len(s.Accounts))
	for _, a := range s.Accounts {
		if seen[a] {
			continue
		}
		seen[a] = true
		accounts = append(accounts, map[string]any{
			"account_number": fmt.Sprintf("PL%02d", a),
			"virtual":        a%2 == 0,
		})
	}

	if reverse {
		slices.Reverse(partners)
		slices.Reverse(accounts)
	}

	b, _ := json.Marshal(map[string]any{
		"subject":       map[string]any{"name": names[s.Name], "partners": partners},
		"vat_status":    map[string]any{"status": statuses[s.Status]},
		"bank_accounts": accounts,
	})
	return b
}

func TestDiffProperties(t *testing.T) {
	d := NewDetector(nil)
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("diff of a payload with itself is empty", prop.ForAll(
		func(s payloadSeed) bool {
			cs, err := d.Diff(providers.MF, s.build(false), s.build(false))
			return err == nil && cs == nil
		},
		genSeed(),
	))

	properties.Property("list order never produces changes", prop.ForAll(
		func(s payloadSeed) bool {
			cs, err := d.Diff(providers.MF, s.build(false), s.build(true))
			return err == nil && cs == nil
		},
		genSeed(),
	))

	properties.Property("reversed diff mirrors forward diff", prop.ForAll(
		func(a, b payloadSeed) bool {
			forward, err := d.Diff(providers.MF, a.build(false), b.build(false))
			if err != nil {
				return false
			}
			backward, err := d.Diff(providers.MF, b.build(false), a.build(false))
			if err != nil {
				return false
			}
			want, _ := json.Marshal(mirror(forward))
			got, _ := json.Marshal(backward)
			return string(want) == string(got)
		},
		genSeed(),
		genSeed(),
	))

	properties.Property("diff is deterministic", prop.ForAll(
		func(a, b payloadSeed) bool {
			first, err1 := d.Diff(providers.MF, a.build(false), b.build(true))
			second, err2 := d.Diff(providers.MF, a.build(false), b.build(true))
			if err1 != nil || err2 != nil {
				return false
			}
			x, _ := json.Marshal(first)
			y, _ := json.Marshal(second)
			return string(x) == string(y)
		},
		genSeed(),
		genSeed(),
	))

	properties.Property("absent previous is always initial", prop.ForAll(
		func(s payloadSeed) bool {
			cs, err := d.Diff(providers.MF, nil, s.build(false))
			return err == nil && cs != nil && cs.Kind == KindInitial && len(cs.Sections) == 3
		},
		genSeed(),
	))

	properties.TestingRun(t)
}
