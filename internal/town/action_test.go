package town

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/machi/internal/model"
)

func TestWeights_Adjust(t *testing.T) {
	base := DefaultWeights()

	tests := []struct {
		name string
		loc  model.Location
		last model.StepKind
		want Weights
	}{
		{"neutral place", "hospital", "", base},
		{"office favours work", "office", "", Weights{Social: 35, Group: 20, Move: 20, Think: 10, Work: 25, Relax: 5}},
		{"park favours rest", "park", "", Weights{Social: 35, Group: 20, Move: 20, Think: 10, Work: 10, Relax: 15}},
		{"cafe favours company", "cafe", "", Weights{Social: 45, Group: 20, Move: 20, Think: 10, Work: 10, Relax: 5}},
		{"repeat is less likely", "hospital", model.StepSocial, Weights{Social: 20, Group: 20, Move: 20, Think: 10, Work: 10, Relax: 5}},
		{"repeat never drops below one", "hospital", model.StepRelax, Weights{Social: 35, Group: 20, Move: 20, Think: 10, Work: 10, Relax: 1}},
		{"both modifiers", "repair_shop", model.StepWork, Weights{Social: 35, Group: 20, Move: 20, Think: 10, Work: 16, Relax: 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, base.adjust(tt.loc, tt.last))
		})
	}

	t.Run("disabled stays disabled", func(t *testing.T) {
		w := Weights{Think: 10}
		assert.Equal(t, w, w.adjust("office", model.StepWork))
	})
}

func TestChooseAction(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))

	for range 50 {
		assert.Equal(t, model.StepThink, ChooseAction(Weights{Think: 3}, "office", model.StepThink, rng))
	}

	counts := map[model.StepKind]int{}
	const n = 20000
	for range n {
		counts[ChooseAction(Weights{Social: 3, Move: 1}, "hospital", "", rng)]++
	}
	assert.Len(t, counts, 2)
	assert.InDelta(t, 0.75, float64(counts[model.StepSocial])/n, 0.02)
}

func TestParseWeights(t *testing.T) {
	w, err := ParseWeights("")
	require.NoError(t, err)
	assert.Equal(t, DefaultWeights(), w)

	w, err = ParseWeights(" social=5, move=0 ,group=2")
	require.NoError(t, err)
	assert.Equal(t, Weights{Social: 5, Group: 2, Move: 0, Think: 10, Work: 10, Relax: 5}, w)

	for _, bad := range []string{"social", "social=-1", "dance=3", "social=x",
		"social=0,group_discussion=0,move=0,think=0,work=0,relax=0"} {
		_, err := ParseWeights(bad)
		assert.Error(t, err, bad)
	}
}
