// Package montecarlo implements C9: the Monte Carlo risk engine. It is
// grounded on original_source's backend/src/domain/services/monte_carlo.py
// (MonteCarloEngine.simulate_single_asset, .calculate_portfolio_var,
// .scenario_analysis), reimplemented over gonum.org/v1/gonum (mat for the
// covariance/correlation matrix, stat for percentile/moment extraction,
// stat/distuv for the portfolio-level return sampling) rather than the
// teacher's hand-rolled slice math, per SPEC_FULL.md's domain-stack wiring.
package montecarlo

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/sentinel/tradingcore/internal/domain"
)

// tradingDaysPerYear anchors every annualisation in this package (monte_carlo.py
// TRADING_DAYS_PER_YEAR).
const tradingDaysPerYear = 252

// minHistoricalPoints is the floor historical-returns sample size below which
// GBM parameter estimation is refused (monte_carlo.py estimate_parameters).
const minHistoricalPoints = 20

// SingleAssetResult is one ticker's GBM price simulation: terminal-price
// distribution statistics, confidence percentiles, risk probabilities, and
// the visualisation snapshots monte_carlo.py's PriceSimulationResult carries.
type SingleAssetResult struct {
	Ticker           string
	CurrentPrice     float64
	HorizonDays      int
	NumPaths         int
	AnnualVolatility float64
	AnnualDrift      float64

	MeanPrice    float64
	MedianPrice  float64
	StdDeviation float64

	// Percentiles of the terminal price distribution, keyed 5/25/50/75/95.
	Percentiles map[int]float64

	ProbabilityOfLoss      float64 // P(final < current)
	ProbabilityOfGain10Pct float64 // P(final > current * 1.10)
	ProbabilityOfLoss10Pct float64 // P(final < current * 0.90)
	ExpectedMaxDrawdown    float64 // non-negative fraction, averaged over a bounded path sample

	// PriceDistribution is a bounded snapshot (<=1000 terminal prices) for
	// histogram rendering; PriceDistribution is intentionally not the full
	// NumPaths set (monte_carlo.py "limite pour JSON").
	PriceDistribution []float64
	// SamplePaths is up to 5 full price trajectories for chart rendering.
	SamplePaths [][]float64
}

// ExpectedReturnPercent mirrors monte_carlo.py's expected_return_percent
// property.
func (r SingleAssetResult) ExpectedReturnPercent() float64 {
	if r.CurrentPrice == 0 {
		return 0
	}
	return (r.MeanPrice - r.CurrentPrice) / r.CurrentPrice * 100
}

// PositionInput is one portfolio holding, the Go analogue of monte_carlo.py's
// {"symbol":..., "market_value":...} position dict.
type PositionInput struct {
	Symbol      string
	MarketValue float64
}

// PortfolioRiskResult is the VaR/CVaR/diversification output of
// CalculatePortfolioVaR (monte_carlo.py's PortfolioRiskResult).
type PortfolioRiskResult struct {
	PortfolioValue float64
	HorizonDays    int
	NumPaths       int

	VaR99 float64
	VaR95 float64
	VaR90 float64

	CVaR99 float64
	CVaR95 float64

	ExpectedReturn     float64
	ReturnStdDeviation float64
	// ReturnPercentiles keys: "1%", "5%", "25%", "50%", "75%", "95%", "99%".
	ReturnPercentiles map[string]float64

	// PositionRiskContributions is each symbol's marginal risk share:
	// weight * asset_vol * corr(asset, portfolio) / portfolio_vol.
	PositionRiskContributions map[string]float64

	AverageCorrelation   float64
	DiversificationRatio float64
}

// VaR99Percent and VaR95Percent express VaR as a fraction of portfolio value.
func (r PortfolioRiskResult) VaR99Percent() float64 {
	return safeRatio(r.VaR99, r.PortfolioValue) * 100
}
func (r PortfolioRiskResult) VaR95Percent() float64 {
	return safeRatio(r.VaR95, r.PortfolioValue) * 100
}

// IsWellDiversified mirrors monte_carlo.py's is_well_diversified threshold.
func (r PortfolioRiskResult) IsWellDiversified() bool {
	return r.DiversificationRatio > 1.2 && r.AverageCorrelation < 0.6
}

func safeRatio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

// ScenarioParams overrides the base GBM parameters for one named scenario
// (monte_carlo.py scenario_analysis's vol_mult/drift_mult/drift_override
// dict). A nil field means "unset", defaulting to a 1.0 multiplier.
type ScenarioParams struct {
	VolMult       *float64
	DriftMult     *float64
	DriftOverride *float64
}

// estimateParameters derives annualised volatility and drift from a daily
// return series (monte_carlo.py estimate_parameters).
func estimateParameters(historicalReturns []float64) (annualVol, annualDrift float64, err error) {
	if len(historicalReturns) < minHistoricalPoints {
		return 0, 0, domain.NewError(domain.KindValidation, "montecarlo.estimateParameters",
			fmt.Errorf("minimum %d historical return points required, got %d", minHistoricalPoints, len(historicalReturns)))
	}
	dailyVol := stat.StdDev(historicalReturns, nil)
	annualVol = dailyVol * math.Sqrt(tradingDaysPerYear)

	dailyDrift := stat.Mean(historicalReturns, nil)
	annualDrift = dailyDrift * tradingDaysPerYear
	return annualVol, annualDrift, nil
}

// simulatePricePaths runs the discrete GBM recursion
// S(t+dt) = S(t) * exp((mu - 0.5*sigma^2)*dt + sigma*sqrt(dt)*Z), Z ~ N(0,1)
// (spec.md §4.8, monte_carlo.py simulate_price_paths). Each returned path has
// horizonDays+1 points, path[0] == currentPrice.
func simulatePricePaths(currentPrice, annualVol, annualDrift float64, horizonDays, numPaths int, rng *rand.Rand) [][]float64 {
	dt := 1.0 / tradingDaysPerYear
	driftTerm := (annualDrift - 0.5*annualVol*annualVol) * dt
	volTerm := annualVol * math.Sqrt(dt)

	paths := make([][]float64, numPaths)
	for p := 0; p < numPaths; p++ {
		path := make([]float64, horizonDays+1)
		path[0] = currentPrice
		for t := 1; t <= horizonDays; t++ {
			z := rng.NormFloat64()
			dailyReturn := math.Exp(driftTerm + volTerm*z)
			path[t] = path[t-1] * dailyReturn
		}
		paths[p] = path
	}
	return paths
}

// SimulateSingleAsset runs a complete GBM Monte Carlo simulation for one
// asset: terminal-price statistics, confidence percentiles, loss/gain
// probabilities, a bounded-sample expected max drawdown, and visualisation
// snapshots (monte_carlo.py simulate_single_asset).
func SimulateSingleAsset(ticker string, currentPrice float64, historicalReturns []float64, horizonDays, numPaths int, seed int64) (SingleAssetResult, error) {
	if currentPrice <= 0 {
		return SingleAssetResult{}, domain.NewError(domain.KindValidation, "montecarlo.SimulateSingleAsset", fmt.Errorf("current price must be positive"))
	}
	if horizonDays <= 0 {
		horizonDays = 30
	}
	if numPaths <= 0 {
		numPaths = 10000
	}

	annualVol, annualDrift, err := estimateParameters(historicalReturns)
	if err != nil {
		return SingleAssetResult{}, err
	}

	rng := rand.New(newSource(seed))
	paths := simulatePricePaths(currentPrice, annualVol, annualDrift, horizonDays, numPaths, rng)

	finalPrices := make([]float64, numPaths)
	for i, p := range paths {
		finalPrices[i] = p[horizonDays]
	}
	sorted := append([]float64(nil), finalPrices...)
	sort.Float64s(sorted)

	distN := numPaths
	if distN > 1000 {
		distN = 1000
	}

	sampleCount := numPaths
	if sampleCount > 5 {
		sampleCount = 5
	}
	perm := rng.Perm(numPaths)
	samplePaths := make([][]float64, sampleCount)
	for i := 0; i < sampleCount; i++ {
		samplePaths[i] = append([]float64(nil), paths[perm[i]]...)
	}

	return SingleAssetResult{
		Ticker:           ticker,
		CurrentPrice:     currentPrice,
		HorizonDays:      horizonDays,
		NumPaths:         numPaths,
		AnnualVolatility: annualVol,
		AnnualDrift:      annualDrift,
		MeanPrice:        stat.Mean(finalPrices, nil),
		MedianPrice:      percentile(sorted, 50),
		StdDeviation:     stat.StdDev(finalPrices, nil),
		Percentiles: map[int]float64{
			5:  percentile(sorted, 5),
			25: percentile(sorted, 25),
			50: percentile(sorted, 50),
			75: percentile(sorted, 75),
			95: percentile(sorted, 95),
		},
		ProbabilityOfLoss:      fractionBelow(finalPrices, currentPrice),
		ProbabilityOfGain10Pct: fractionAbove(finalPrices, currentPrice*1.10),
		ProbabilityOfLoss10Pct: fractionBelow(finalPrices, currentPrice*0.90),
		ExpectedMaxDrawdown:    expectedMaxDrawdown(paths),
		PriceDistribution:      append([]float64(nil), finalPrices[:distN]...),
		SamplePaths:            samplePaths,
	}, nil
}

// expectedMaxDrawdown averages the worst peak-to-trough decline across a
// bounded sample (<=500 paths) of simulated trajectories, for performance
// (monte_carlo.py "sur un echantillon pour performance").
func expectedMaxDrawdown(paths [][]float64) float64 {
	sampleSize := len(paths)
	if sampleSize > 500 {
		sampleSize = 500
	}
	if sampleSize == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < sampleSize; i++ {
		path := paths[i]
		peak := path[0]
		var minDrawdown float64
		for _, v := range path {
			if v > peak {
				peak = v
			}
			if peak > 0 {
				dd := (v - peak) / peak
				if dd < minDrawdown {
					minDrawdown = dd
				}
			}
		}
		sum += minDrawdown
	}
	return math.Abs(sum / float64(sampleSize))
}

// CalculatePortfolioVaR computes VaR/CVaR at 99/95/90% confidence, a
// diversification ratio, and per-position marginal risk attribution from a
// covariance-based portfolio model plus a single normally-distributed
// horizon return draw (monte_carlo.py calculate_portfolio_var).
func CalculatePortfolioVaR(positions []PositionInput, historicalReturns map[string][]float64, horizonDays, numPaths int, seed int64) (PortfolioRiskResult, error) {
	if len(positions) == 0 {
		return PortfolioRiskResult{}, domain.NewError(domain.KindValidation, "montecarlo.CalculatePortfolioVaR", fmt.Errorf("no positions provided"))
	}
	if horizonDays <= 0 {
		horizonDays = 1
	}
	if numPaths <= 0 {
		numPaths = 10000
	}

	n := len(positions)
	symbols := make([]string, n)
	values := make([]float64, n)
	var totalValue float64
	for i, p := range positions {
		symbols[i] = p.Symbol
		values[i] = p.MarketValue
		totalValue += p.MarketValue
	}
	if totalValue <= 0 {
		return PortfolioRiskResult{}, domain.NewError(domain.KindValidation, "montecarlo.CalculatePortfolioVaR", fmt.Errorf("total portfolio value must be positive"))
	}
	weights := make([]float64, n)
	for i, v := range values {
		weights[i] = v / totalValue
	}

	returnsMatrix := alignedReturns(symbols, historicalReturns)

	cov := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			cov.SetSym(i, j, stat.Covariance(returnsMatrix[i], returnsMatrix[j], nil)*tradingDaysPerYear)
		}
	}

	avgCorr := averageOffDiagonalCorrelation(returnsMatrix)

	wVec := mat.NewVecDense(n, weights)
	var cw mat.VecDense
	cw.MulVec(cov, wVec)
	portfolioVariance := mat.Dot(wVec, &cw)
	portfolioVol := math.Sqrt(math.Max(portfolioVariance, 0))

	individualVols := make([]float64, n)
	var weightedVol float64
	for i := 0; i < n; i++ {
		individualVols[i] = math.Sqrt(math.Max(cov.At(i, i), 0))
		weightedVol += weights[i] * individualVols[i]
	}
	diversificationRatio := 1.0
	if portfolioVol > 0 {
		diversificationRatio = weightedVol / portfolioVol
	}

	horizonVol := portfolioVol * math.Sqrt(float64(horizonDays)/tradingDaysPerYear)

	var portfolioDrift float64
	for i := range weights {
		assetAnnualReturn := stat.Mean(returnsMatrix[i], nil) * tradingDaysPerYear
		portfolioDrift += weights[i] * assetAnnualReturn
	}
	horizonDrift := portfolioDrift * (float64(horizonDays) / tradingDaysPerYear)

	normalDist := distuv.Normal{Mu: horizonDrift, Sigma: horizonVol, Src: newSource(seed)}
	simulatedReturns := make([]float64, numPaths)
	for i := range simulatedReturns {
		simulatedReturns[i] = normalDist.Rand()
	}
	sorted := append([]float64(nil), simulatedReturns...)
	sort.Float64s(sorted)

	idx99 := int(0.01 * float64(numPaths))
	idx95 := int(0.05 * float64(numPaths))
	idx90 := int(0.10 * float64(numPaths))

	var99 := math.Max(0, -sorted[idx99]*totalValue)
	var95 := math.Max(0, -sorted[idx95]*totalValue)
	var90 := math.Max(0, -sorted[idx90]*totalValue)

	cvar99 := math.Max(var99, -tailMean(sorted, idx99)*totalValue)
	cvar95 := math.Max(var95, -tailMean(sorted, idx95)*totalValue)

	returnPercentiles := map[string]float64{
		"1%":  percentile(sorted, 1),
		"5%":  percentile(sorted, 5),
		"25%": percentile(sorted, 25),
		"50%": percentile(sorted, 50),
		"75%": percentile(sorted, 75),
		"95%": percentile(sorted, 95),
		"99%": percentile(sorted, 99),
	}

	positionContributions := make(map[string]float64, n)
	for i, symbol := range symbols {
		assetVol := individualVols[i]
		var covWithPortfolio float64
		for j := 0; j < n; j++ {
			covWithPortfolio += weights[j] * cov.At(i, j)
		}
		var corrWithPortfolio float64
		if assetVol*portfolioVol > 0 {
			corrWithPortfolio = covWithPortfolio / (assetVol * portfolioVol)
		}
		var marginal float64
		if portfolioVol > 0 {
			marginal = weights[i] * assetVol * corrWithPortfolio / portfolioVol
		}
		positionContributions[symbol] = marginal
	}

	return PortfolioRiskResult{
		PortfolioValue:            totalValue,
		HorizonDays:               horizonDays,
		NumPaths:                  numPaths,
		VaR99:                     var99,
		VaR95:                     var95,
		VaR90:                     var90,
		CVaR99:                    cvar99,
		CVaR95:                    cvar95,
		ExpectedReturn:            horizonDrift,
		ReturnStdDeviation:        horizonVol,
		ReturnPercentiles:         returnPercentiles,
		PositionRiskContributions: positionContributions,
		AverageCorrelation:        avgCorr,
		DiversificationRatio:      diversificationRatio,
	}, nil
}

// alignedReturns right-aligns every symbol's return series to the shortest
// available series (floored at 50 points), left-padding with zeros when a
// symbol's own history is shorter still (monte_carlo.py's
// historical_returns.get(s, zeros)[-min_len:] alignment).
func alignedReturns(symbols []string, historicalReturns map[string][]float64) [][]float64 {
	minLen := -1
	for _, s := range symbols {
		l := len(historicalReturns[s])
		if l == 0 {
			l = 100 // matches monte_carlo.py's np.zeros(100) default for an absent symbol
		}
		if minLen == -1 || l < minLen {
			minLen = l
		}
	}
	if minLen < 50 {
		minLen = 50
	}

	out := make([][]float64, len(symbols))
	for i, s := range symbols {
		r := historicalReturns[s]
		if len(r) >= minLen {
			out[i] = append([]float64(nil), r[len(r)-minLen:]...)
			continue
		}
		padded := make([]float64, minLen)
		copy(padded[minLen-len(r):], r)
		out[i] = padded
	}
	return out
}

// averageOffDiagonalCorrelation is the mean pairwise correlation across all
// distinct asset pairs (monte_carlo.py's corr_matrix[mask] average).
func averageOffDiagonalCorrelation(returnsMatrix [][]float64) float64 {
	n := len(returnsMatrix)
	if n < 2 {
		return 0
	}
	var sum float64
	var count int
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			sum += stat.Correlation(returnsMatrix[i], returnsMatrix[j], nil)
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// tailMean averages the idx lowest-ranked entries of a pre-sorted (ascending)
// slice; used for CVaR's "mean of the tail beyond VaR" definition.
func tailMean(sorted []float64, idx int) float64 {
	if idx <= 0 {
		return 0
	}
	var sum float64
	for _, v := range sorted[:idx] {
		sum += v
	}
	return sum / float64(idx)
}

// ScenarioAnalysis re-runs SimulateSingleAsset under a "base" scenario plus
// one re-parameterised simulation per named scenario, sharing the same
// base-parameter estimation (monte_carlo.py scenario_analysis). Named
// scenarios skip the drawdown/sample-path/distribution snapshots, matching
// the original's "non calcule pour scenarios" shortcut.
func ScenarioAnalysis(ticker string, currentPrice float64, historicalReturns []float64, scenarios map[string]ScenarioParams, horizonDays, numPaths int, seed int64) (map[string]SingleAssetResult, error) {
	if horizonDays <= 0 {
		horizonDays = 30
	}
	if numPaths <= 0 {
		numPaths = 5000
	}

	baseVol, baseDrift, err := estimateParameters(historicalReturns)
	if err != nil {
		return nil, err
	}

	results := make(map[string]SingleAssetResult, len(scenarios)+1)

	base, err := SimulateSingleAsset(ticker, currentPrice, historicalReturns, horizonDays, numPaths, seed)
	if err != nil {
		return nil, err
	}
	results["base"] = base

	for name, params := range scenarios {
		volMult := 1.0
		if params.VolMult != nil {
			volMult = *params.VolMult
		}
		driftMult := 1.0
		if params.DriftMult != nil {
			driftMult = *params.DriftMult
		}
		adjVol := baseVol * volMult
		adjDrift := baseDrift * driftMult
		if params.DriftOverride != nil {
			adjDrift = *params.DriftOverride
		}

		rng := rand.New(newSource(seedForScenario(seed, name)))
		paths := simulatePricePaths(currentPrice, adjVol, adjDrift, horizonDays, numPaths, rng)

		finalPrices := make([]float64, numPaths)
		for i, p := range paths {
			finalPrices[i] = p[horizonDays]
		}
		sorted := append([]float64(nil), finalPrices...)
		sort.Float64s(sorted)

		results[name] = SingleAssetResult{
			Ticker:           ticker,
			CurrentPrice:     currentPrice,
			HorizonDays:      horizonDays,
			NumPaths:         numPaths,
			AnnualVolatility: adjVol,
			AnnualDrift:      adjDrift,
			MeanPrice:        stat.Mean(finalPrices, nil),
			MedianPrice:      percentile(sorted, 50),
			StdDeviation:     stat.StdDev(finalPrices, nil),
			Percentiles: map[int]float64{
				5:  percentile(sorted, 5),
				25: percentile(sorted, 25),
				50: percentile(sorted, 50),
				75: percentile(sorted, 75),
				95: percentile(sorted, 95),
			},
			ProbabilityOfLoss:      fractionBelow(finalPrices, currentPrice),
			ProbabilityOfGain10Pct: fractionAbove(finalPrices, currentPrice*1.10),
			ProbabilityOfLoss10Pct: fractionBelow(finalPrices, currentPrice*0.90),
		}
	}
	return results, nil
}

// seedForScenario derives a distinct, deterministic seed per scenario name so
// scenarios don't share a random stream (and therefore don't silently
// correlate) while the whole run stays reproducible for a fixed seed.
func seedForScenario(seed int64, name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return seed ^ int64(h.Sum64())
}

func newSource(seed int64) rand.Source {
	if seed == 0 {
		seed = 1 // deterministic by default for reproducible test runs
	}
	return rand.NewSource(seed)
}

func fractionBelow(xs []float64, threshold float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var count int
	for _, x := range xs {
		if x < threshold {
			count++
		}
	}
	return float64(count) / float64(len(xs))
}

func fractionAbove(xs []float64, threshold float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var count int
	for _, x := range xs {
		if x > threshold {
			count++
		}
	}
	return float64(count) / float64(len(xs))
}

// percentile returns the pth percentile (0-100) of a pre-sorted slice using
// linear interpolation between closest ranks.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := (p / 100) * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
