package bundle

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Cost evaluates a residual block given views into its parameter blocks.
// Evaluate returns false only for unrecoverable evaluation errors; model
// degeneracies (failed projections and the like) must be reported through
// the residual values instead, so the solver can keep iterating.
type Cost interface {
	Dim() int
	Evaluate(params [][]float64, residuals []float64) bool
}

// SolverOptions tunes the Levenberg-Marquardt iteration.
type SolverOptions struct {
	MaxIterations     int
	FunctionTolerance float64
	GradientTolerance float64
	InitialLambda     float64
}

// DefaultSolverOptions returns the settings used by the drivers.
func DefaultSolverOptions() SolverOptions {
	return SolverOptions{
		MaxIterations:     100,
		FunctionTolerance: 1e-8,
		GradientTolerance: 1e-10,
		InitialLambda:     1e-3,
	}
}

// Summary reports the outcome of a solve. Non-convergence is advisory:
// the parameters still hold the best iterate found.
type Summary struct {
	InitialCost float64
	FinalCost   float64
	Iterations  int
	Converged   bool
	Message     string
}

func (s Summary) String() string {
	return fmt.Sprintf("iterations: %d, initial cost: %.6e, final cost: %.6e, %s",
		s.Iterations, s.InitialCost, s.FinalCost, s.Message)
}

type paramBlock struct {
	values []float64
	fixed  bool
	offset int // column offset into the free-parameter vector, -1 if fixed
}

type residualBlock struct {
	cost   Cost
	loss   Loss
	blocks []*paramBlock
	row    int // row offset into the stacked residual vector
}

// Problem is a nonlinear least-squares problem over shared parameter
// blocks. Blocks are identified by the address of their first element,
// so callers must hand the same backing slice to every residual that
// shares a block, and must not reallocate it while the problem is alive.
type Problem struct {
	residuals []*residualBlock
	blocks    []*paramBlock
	index     map[*float64]*paramBlock
	numRows   int
}

// NewProblem returns an empty problem.
func NewProblem() *Problem {
	return &Problem{index: make(map[*float64]*paramBlock)}
}

func (p *Problem) block(values []float64) *paramBlock {
	if len(values) == 0 {
		return nil
	}
	key := &values[0]
	if b, ok := p.index[key]; ok {
		return b
	}
	b := &paramBlock{values: values, offset: -1}
	p.index[key] = b
	p.blocks = append(p.blocks, b)
	return b
}

// AddResidualBlock registers a cost over the given parameter blocks.
// A nil loss means plain least squares.
func (p *Problem) AddResidualBlock(cost Cost, loss Loss, blocks ...[]float64) {
	if loss == nil {
		loss = TrivialLoss{}
	}
	rb := &residualBlock{cost: cost, loss: loss, row: p.numRows}
	for _, b := range blocks {
		rb.blocks = append(rb.blocks, p.block(b))
	}
	p.numRows += cost.Dim()
	p.residuals = append(p.residuals, rb)
}

// SetBlockConstant excludes a parameter block from the optimization.
// The block must already appear in some residual.
func (p *Problem) SetBlockConstant(values []float64) error {
	b, ok := p.index[&values[0]]
	if !ok {
		return errors.New("parameter block is not part of the problem")
	}
	b.fixed = true
	return nil
}

// NumResiduals returns the stacked residual dimension.
func (p *Problem) NumResiduals() int { return p.numRows }

// evaluate fills the stacked, loss-weighted residual vector. Loss weights
// are frozen per evaluation point, which makes the damped normal
// equations an IRLS step.
func (p *Problem) evaluate(r []float64) error {
	scratch := make([][]float64, 0, 8)
	for _, rb := range p.residuals {
		scratch = scratch[:0]
		for _, b := range rb.blocks {
			scratch = append(scratch, b.values)
		}
		res := r[rb.row : rb.row+rb.cost.Dim()]
		if !rb.cost.Evaluate(scratch, res) {
			return errors.New("residual evaluation failed")
		}
		s2 := 0.0
		for _, v := range res {
			s2 += v * v
		}
		w := math.Sqrt(rb.loss.Weight(s2))
		if w != 1.0 {
			for i := range res {
				res[i] *= w
			}
		}
	}
	return nil
}

const jacobianRelStep = 1e-7

// jacobian fills J by central differences, one column per free parameter.
// Only the rows of residual blocks touching a parameter are evaluated.
func (p *Problem) jacobian(j *mat.Dense) error {
	scratch := make([][]float64, 0, 8)
	for _, rb := range p.residuals {
		dim := rb.cost.Dim()
		scratch = scratch[:0]
		for _, b := range rb.blocks {
			scratch = append(scratch, b.values)
		}

		base := make([]float64, dim)
		if !rb.cost.Evaluate(scratch, base) {
			return errors.New("residual evaluation failed")
		}
		s2 := 0.0
		for _, v := range base {
			s2 += v * v
		}
		w := math.Sqrt(rb.loss.Weight(s2))

		plus := make([]float64, dim)
		minus := make([]float64, dim)
		for _, b := range rb.blocks {
			if b.fixed {
				continue
			}
			for k := range b.values {
				v := b.values[k]
				h := jacobianRelStep * math.Max(1.0, math.Abs(v))

				b.values[k] = v + h
				if !rb.cost.Evaluate(scratch, plus) {
					b.values[k] = v
					return errors.New("residual evaluation failed")
				}
				b.values[k] = v - h
				if !rb.cost.Evaluate(scratch, minus) {
					b.values[k] = v
					return errors.New("residual evaluation failed")
				}
				b.values[k] = v

				col := b.offset + k
				for i := 0; i < dim; i++ {
					j.Set(rb.row+i, col, w*(plus[i]-minus[i])/(2.0*h))
				}
			}
		}
	}
	return nil
}

func (p *Problem) freeSize() int {
	n := 0
	for _, b := range p.blocks {
		if b.fixed {
			b.offset = -1
			continue
		}
		b.offset = n
		n += len(b.values)
	}
	return n
}

func (p *Problem) saveFree(dst []float64) {
	for _, b := range p.blocks {
		if b.fixed {
			continue
		}
		copy(dst[b.offset:], b.values)
	}
}

func (p *Problem) loadFree(src []float64) {
	for _, b := range p.blocks {
		if b.fixed {
			continue
		}
		copy(b.values, src[b.offset:b.offset+len(b.values)])
	}
}

func (p *Problem) stepFree(delta *mat.VecDense) {
	for _, b := range p.blocks {
		if b.fixed {
			continue
		}
		for k := range b.values {
			b.values[k] += delta.AtVec(b.offset + k)
		}
	}
}

func halfSquaredNorm(r []float64) float64 {
	s := 0.0
	for _, v := range r {
		s += v * v
	}
	return 0.5 * s
}

// Solve runs Levenberg-Marquardt, updating the parameter blocks in place.
// The returned error covers structural failures only; a solve that merely
// fails to converge returns a Summary with Converged == false.
func (p *Problem) Solve(opts SolverOptions) (Summary, error) {
	var sum Summary
	nFree := p.freeSize()
	if nFree == 0 {
		return sum, errors.New("no free parameters to optimize")
	}
	if p.numRows == 0 {
		return sum, errors.New("no residuals in the problem")
	}
	if opts.MaxIterations <= 0 {
		opts = DefaultSolverOptions()
	}

	r := make([]float64, p.numRows)
	if err := p.evaluate(r); err != nil {
		return sum, err
	}
	cost := halfSquaredNorm(r)
	sum.InitialCost = cost
	sum.FinalCost = cost

	jac := mat.NewDense(p.numRows, nFree, nil)
	rVec := mat.NewVecDense(p.numRows, r)
	saved := make([]float64, nFree)
	lambda := opts.InitialLambda

	jtj := mat.NewSymDense(nFree, nil)
	damped := mat.NewSymDense(nFree, nil)
	g := mat.NewVecDense(nFree, nil)
	var delta mat.VecDense

	for iter := 0; iter < opts.MaxIterations; iter++ {
		sum.Iterations = iter + 1
		if err := p.jacobian(jac); err != nil {
			return sum, err
		}
		jtj.SymOuterK(1.0, jac.T())
		g.MulVec(jac.T(), rVec)

		gInf := 0.0
		for i := 0; i < nFree; i++ {
			gInf = math.Max(gInf, math.Abs(g.AtVec(i)))
		}
		if gInf < opts.GradientTolerance {
			sum.Converged = true
			sum.Message = "gradient tolerance reached"
			return sum, nil
		}

		p.saveFree(saved)
		accepted := false
		for attempt := 0; attempt < 20; attempt++ {
			damped.CopySym(jtj)
			for i := 0; i < nFree; i++ {
				d := jtj.At(i, i)
				damped.SetSym(i, i, d+lambda*math.Max(d, 1e-12))
			}

			var chol mat.Cholesky
			if !chol.Factorize(damped) {
				lambda *= 10
				continue
			}
			if err := chol.SolveVecTo(&delta, g); err != nil {
				lambda *= 10
				continue
			}
			delta.ScaleVec(-1.0, &delta)

			p.stepFree(&delta)
			if err := p.evaluate(r); err != nil {
				return sum, err
			}
			newCost := halfSquaredNorm(r)
			if newCost < cost {
				relDrop := (cost - newCost) / math.Max(cost, 1e-300)
				cost = newCost
				sum.FinalCost = cost
				lambda = math.Max(lambda/3.0, 1e-12)
				accepted = true
				if relDrop < opts.FunctionTolerance {
					sum.Converged = true
					sum.Message = "function tolerance reached"
					return sum, nil
				}
				break
			}
			p.loadFree(saved)
			lambda *= 10
		}
		if !accepted {
			sum.Converged = true
			sum.Message = "no further cost reduction possible"
			// Restore the residual state of the accepted iterate.
			if err := p.evaluate(r); err != nil {
				return sum, err
			}
			return sum, nil
		}
	}
	sum.Message = "maximum iterations reached"
	if err := p.evaluate(r); err != nil {
		return sum, err
	}
	sum.FinalCost = halfSquaredNorm(r)
	return sum, nil
}
