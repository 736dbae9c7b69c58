// Package cointegration estimates the log-price regression between two series.
// The engine only consumes the scalar parameters and the residual standard
// deviation; Analyzer hides how they are produced.
package cointegration

import (
	"errors"
	"fmt"
	"math"

	"github.com/montanaflynn/stats"

	"pairs-arb-go/internal/models"
)

// MinObservations 估计所需的最少样本数
const MinObservations = 30

// Result 协整估计结果
type Result struct {
	Constant  float64
	Gamma     float64
	Alpha     float64 // 误差修正系数
	Residuals []float64
	PValue    float64
	HalfLife  float64 // 以样本间隔计，alpha >= 0 时为 +Inf
}

// Std 残差样本标准差
func (r Result) Std() float64 {
	return stddev(r.Residuals)
}

// Params 转换为引擎使用的参数
func (r Result) Params() models.CointegrationParams {
	return models.CointegrationParams{Constant: r.Constant, Gamma: r.Gamma, Std: r.Std()}
}

// Analyzer 对两条对齐的价格序列做协整估计
type Analyzer interface {
	Analyze(prices1, prices2 []float64) (Result, error)
}

// EngleGranger 两步法: ln(p1) 对 ln(p2) 做OLS，再对残差做无滞后 ADF 检验。
// p 值由 Engle-Granger 临界值分段线性插值近似。
type EngleGranger struct{}

// NewEngleGranger creates the default analyzer.
func NewEngleGranger() *EngleGranger {
	return &EngleGranger{}
}

var errDegenerate = errors.New("degenerate series")

// Analyze 估计 ln(p1) = constant + gamma*ln(p2) + e
func (EngleGranger) Analyze(prices1, prices2 []float64) (Result, error) {
	if len(prices1) != len(prices2) {
		return Result{}, fmt.Errorf("series length mismatch: %d vs %d", len(prices1), len(prices2))
	}
	n := len(prices1)
	if n < MinObservations {
		return Result{}, fmt.Errorf("need at least %d observations, got %d", MinObservations, n)
	}

	y := make([]float64, n)
	x := make([]float64, n)
	for i := 0; i < n; i++ {
		if !(prices1[i] > 0) || !(prices2[i] > 0) {
			return Result{}, fmt.Errorf("non-positive price at index %d", i)
		}
		y[i] = math.Log(prices1[i])
		x[i] = math.Log(prices2[i])
	}

	constant, gamma, err := ols(y, x)
	if err != nil {
		return Result{}, err
	}

	resid := make([]float64, n)
	for i := range y {
		resid[i] = y[i] - constant - gamma*x[i]
	}

	alpha, tstat, err := adf(resid)
	if err != nil {
		return Result{}, err
	}

	halfLife := math.Inf(1)
	if alpha < 0 {
		halfLife = -math.Ln2 / alpha
	}

	return Result{
		Constant:  constant,
		Gamma:     gamma,
		Alpha:     alpha,
		Residuals: resid,
		PValue:    pValue(tstat),
		HalfLife:  halfLife,
	}, nil
}

func ols(y, x []float64) (intercept, slope float64, err error) {
	vx, err := stats.SampleVariance(x)
	if err != nil {
		return 0, 0, err
	}
	if vx == 0 || math.IsNaN(vx) {
		return 0, 0, fmt.Errorf("%w: zero variance in regressor", errDegenerate)
	}
	cov, err := stats.Covariance(y, x)
	if err != nil {
		return 0, 0, err
	}
	mx, _ := stats.Mean(x)
	my, _ := stats.Mean(y)
	slope = cov / vx
	return my - slope*mx, slope, nil
}

// adf 回归 Δe_t = alpha*e_{t-1} + u_t，返回 alpha 及其 t 统计量
func adf(e []float64) (alpha, tstat float64, err error) {
	var num, den float64
	for t := 1; t < len(e); t++ {
		num += (e[t] - e[t-1]) * e[t-1]
		den += e[t-1] * e[t-1]
	}
	if den == 0 {
		return 0, 0, fmt.Errorf("%w: residuals are identically zero", errDegenerate)
	}
	alpha = num / den

	var ssr float64
	for t := 1; t < len(e); t++ {
		u := (e[t] - e[t-1]) - alpha*e[t-1]
		ssr += u * u
	}
	dof := float64(len(e) - 2)
	se := math.Sqrt(ssr / dof / den)
	if se == 0 {
		return alpha, math.Inf(-1), nil
	}
	return alpha, alpha / se, nil
}

// Engle-Granger 两变量含常数项的临界值
var egCritical = []struct{ t, p float64 }{
	{-3.90, 0.01},
	{-3.34, 0.05},
	{-3.04, 0.10},
	{0, 1.0},
}

func pValue(t float64) float64 {
	if math.IsNaN(t) {
		return 1
	}
	if t <= egCritical[0].t {
		return egCritical[0].p
	}
	for i := 1; i < len(egCritical); i++ {
		lo, hi := egCritical[i-1], egCritical[i]
		if t <= hi.t {
			return lo.p + (t-lo.t)/(hi.t-lo.t)*(hi.p-lo.p)
		}
	}
	return 1
}

func stddev(v []float64) float64 {
	if len(v) < 2 {
		return 0
	}
	sd, err := stats.StandardDeviationSample(v)
	if err != nil {
		return 0
	}
	return sd
}
