package policies

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	erand "golang.org/x/exp/rand"

	"github.com/zeu5/dist-rl-driving/core"
)

const qPrefix = "q/"

// QTable maps a discretized state key to one value per grid action.
type QTable struct {
	table   map[string][]float64
	actions int
	def     float64

	rand *erand.Rand
}

func NewQTable(actions int, def float64, src erand.Source) *QTable {
	return &QTable{
		table:   make(map[string][]float64),
		actions: actions,
		def:     def,
		rand:    erand.New(src),
	}
}

func (q *QTable) row(state string) []float64 {
	vals, ok := q.table[state]
	if !ok {
		vals = make([]float64, q.actions)
		for i := range vals {
			vals[i] = q.def
		}
		q.table[state] = vals
	}
	return vals
}

// Values returns the row for state, or nil when the state was never seen.
func (q *QTable) Values(state string) []float64 {
	return q.table[state]
}

func (q *QTable) Get(state string, action int) float64 {
	if vals, ok := q.table[state]; ok {
		return vals[action]
	}
	return q.def
}

func (q *QTable) Set(state string, action int, val float64) {
	q.row(state)[action] = val
}

func (q *QTable) Exists(state string) bool {
	_, ok := q.table[state]
	return ok
}

func (q *QTable) Size() int {
	return len(q.table)
}

// Max returns the best value for state, the default for unseen states.
func (q *QTable) Max(state string) float64 {
	vals, ok := q.table[state]
	if !ok {
		return q.def
	}
	max := math.Inf(-1)
	for _, v := range vals {
		if v > max {
			max = v
		}
	}
	return max
}

// ArgMax picks uniformly among the best actions for state.
func (q *QTable) ArgMax(state string) int {
	vals, ok := q.table[state]
	if !ok {
		return q.rand.Intn(q.actions)
	}
	maxActions := make([]int, 0)
	maxVal := math.Inf(-1)
	for a, val := range vals {
		if val > maxVal {
			maxActions = maxActions[:0]
			maxVal = val
		}
		if val == maxVal {
			maxActions = append(maxActions, a)
		}
	}
	return maxActions[q.rand.Intn(len(maxActions))]
}

func (q *QTable) Parameters() core.Parameters {
	out := make(core.Parameters, len(q.table))
	for state, vals := range q.table {
		cp := make([]float64, len(vals))
		copy(cp, vals)
		out[qPrefix+state] = cp
	}
	return out
}

// Load replaces the table. Every row must have one value per action.
func (q *QTable) Load(p core.Parameters) error {
	table := make(map[string][]float64, len(p))
	for name, vals := range p {
		state, ok := strings.CutPrefix(name, qPrefix)
		if !ok {
			return fmt.Errorf("%w: unexpected parameter %q", core.ErrParameterShape, name)
		}
		if len(vals) != q.actions {
			return fmt.Errorf("%w: %q has %d values, want %d", core.ErrParameterShape, name, len(vals), q.actions)
		}
		cp := make([]float64, len(vals))
		copy(cp, vals)
		table[state] = cp
	}
	q.table = table
	return nil
}

// StateKey buckets every observation feature by its resolution. Features
// past the end of resolution use the last entry.
func StateKey(obs core.Observation, resolution []float64) string {
	var b strings.Builder
	for i, v := range obs {
		res := 1.0
		if len(resolution) > 0 {
			res = resolution[min(i, len(resolution)-1)]
		}
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(strconv.Itoa(int(math.Floor(v / res))))
	}
	return b.String()
}
