package policies

import (
	"errors"
	"fmt"
	"math"

	erand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"

	"github.com/zeu5/dist-rl-driving/core"
)

var ErrUnstable = errors.New("numeric instability in update")

const (
	actorPrefix = "actor/w"
	logStdName  = "actor/log_std"
	criticName  = "critic/v"
	actionDims  = 2
)

// Gaussian is a linear actor-critic over continuous actions. The actor
// outputs a mean per action dimension, exploration is Gaussian noise with a
// learned log standard deviation, and the critic is a linear state value.
type Gaussian struct {
	config Config
	bounds [][2]float64

	actor  [][]float64 // actionDims x features
	logStd []float64
	critic []float64

	rand *erand.Rand
}

var _ core.Policy = &Gaussian{}

func NewGaussian(c Config) *Gaussian {
	feat := c.ObsDim + 1
	g := &Gaussian{
		config: c,
		bounds: c.grid().Bounds(),
		actor:  make([][]float64, actionDims),
		logStd: make([]float64, actionDims),
		critic: make([]float64, feat),
		rand:   erand.New(c.source()),
	}
	for i := range g.actor {
		g.actor[i] = make([]float64, feat)
		g.logStd[i] = c.InitLogStd
	}
	return g
}

// features appends a bias term; missing entries are zero, extra ones dropped.
func (g *Gaussian) features(obs core.Observation) []float64 {
	phi := make([]float64, g.config.ObsDim+1)
	copy(phi, obs)
	phi[g.config.ObsDim] = 1
	return phi
}

func (g *Gaussian) mean(phi []float64) []float64 {
	mu := make([]float64, actionDims)
	for i := range mu {
		mu[i] = floats.Dot(g.actor[i], phi)
	}
	return mu
}

func (g *Gaussian) GetAction(obs core.Observation, epsilon float64) core.Action {
	mu := g.mean(g.features(obs))
	action := make(core.Action, actionDims)
	for i := range action {
		std := math.Exp(g.logStd[i]) * (1 + epsilon)
		a := mu[i] + std*g.rand.NormFloat64()
		action[i] = math.Max(g.bounds[i][0], math.Min(g.bounds[i][1], a))
	}
	return action
}

// TrainStep runs one advantage actor-critic update over the batch. Weights
// are only replaced when the whole update stays finite.
func (g *Gaussian) TrainStep(batch []core.Transition) error {
	if len(batch) == 0 {
		return fmt.Errorf("%w: empty batch", ErrMalformedBatch)
	}
	feat := g.config.ObsDim + 1
	actorGrad := make([][]float64, actionDims)
	for i := range actorGrad {
		actorGrad[i] = make([]float64, feat)
	}
	stdGrad := make([]float64, actionDims)
	criticGrad := make([]float64, feat)

	for i, tr := range batch {
		if len(tr.Action) != actionDims || len(tr.State) == 0 {
			return fmt.Errorf("%w: transition %d is incomplete", ErrMalformedBatch, i)
		}
		phi := g.features(tr.State)
		target := float64(tr.Reward) * g.config.RewardScale
		if !tr.Done {
			target += g.config.Gamma * floats.Dot(g.critic, g.features(tr.NextState))
		}
		delta := target - floats.Dot(g.critic, phi)
		floats.AddScaled(criticGrad, delta, phi)

		mu := g.mean(phi)
		for d := 0; d < actionDims; d++ {
			variance := math.Exp(2 * g.logStd[d])
			z := tr.Action[d] - mu[d]
			floats.AddScaled(actorGrad[d], delta*z/variance, phi)
			stdGrad[d] += delta * (z*z/variance - 1)
		}
	}

	n := float64(len(batch))
	clip := func(grad []float64) {
		floats.Scale(1/n, grad)
		if norm := floats.Norm(grad, 2); g.config.MaxGradNorm > 0 && norm > g.config.MaxGradNorm {
			floats.Scale(g.config.MaxGradNorm/norm, grad)
		}
	}

	critic := append([]float64(nil), g.critic...)
	clip(criticGrad)
	floats.AddScaled(critic, g.config.CriticLR, criticGrad)

	actor := make([][]float64, actionDims)
	for d := range actor {
		actor[d] = append([]float64(nil), g.actor[d]...)
		clip(actorGrad[d])
		floats.AddScaled(actor[d], g.config.ActorLR, actorGrad[d])
	}
	logStd := append([]float64(nil), g.logStd...)
	clip(stdGrad)
	floats.AddScaled(logStd, g.config.ActorLR, stdGrad)

	if !finite(critic, logStd, actor[0], actor[1]) {
		return ErrUnstable
	}

	g.critic = critic
	g.actor = actor
	g.logStd = logStd
	return nil
}

func (g *Gaussian) Parameters() core.Parameters {
	p := core.Parameters{
		logStdName: append([]float64(nil), g.logStd...),
		criticName: append([]float64(nil), g.critic...),
	}
	for i, w := range g.actor {
		p[fmt.Sprintf("%s%d", actorPrefix, i)] = append([]float64(nil), w...)
	}
	return p
}

func (g *Gaussian) SetParameters(p core.Parameters) error {
	feat := g.config.ObsDim + 1
	check := func(name string, want int) ([]float64, error) {
		vals, ok := p[name]
		if !ok {
			return nil, fmt.Errorf("%w: missing %q", core.ErrParameterShape, name)
		}
		if len(vals) != want {
			return nil, fmt.Errorf("%w: %q has %d values, want %d", core.ErrParameterShape, name, len(vals), want)
		}
		return append([]float64(nil), vals...), nil
	}
	critic, err := check(criticName, feat)
	if err != nil {
		return err
	}
	logStd, err := check(logStdName, actionDims)
	if err != nil {
		return err
	}
	actor := make([][]float64, actionDims)
	for i := range actor {
		if actor[i], err = check(fmt.Sprintf("%s%d", actorPrefix, i), feat); err != nil {
			return err
		}
	}
	if len(p) != actionDims+2 {
		return fmt.Errorf("%w: %d parameters, want %d", core.ErrParameterShape, len(p), actionDims+2)
	}
	g.critic = critic
	g.logStd = logStd
	g.actor = actor
	return nil
}

func (g *Gaussian) DrainsReplay() bool {
	return g.config.DrainReplay
}

func finite(vecs ...[]float64) bool {
	for _, v := range vecs {
		if floats.HasNaN(v) {
			return false
		}
		for _, x := range v {
			if math.IsInf(x, 0) {
				return false
			}
		}
	}
	return true
}
