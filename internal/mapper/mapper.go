// Package mapper turns an absolute error into a speed or delay through
// a three-segment monotonic curve.
package mapper

import (
	"errors"
	"fmt"
	"math"
)

// Extremum bounds the input and output ranges of a curve.
type Extremum struct {
	XMin float64 `yaml:"x_min" json:"xMin"`
	XMax float64 `yaml:"x_max" json:"xMax"`
	YMin float64 `yaml:"y_min" json:"yMin"`
	YMax float64 `yaml:"y_max" json:"yMax"`
}

// Piecewise shapes a curve. Alpha is a breakpoint in input units; below
// it the curve rises with AlphaSlope. Past it the curve follows the
// gamma line until that meets the beta line through (1,1).
type Piecewise struct {
	Alpha      float64 `yaml:"alpha" json:"alpha"`
	AlphaSlope float64 `yaml:"alpha_slope" json:"alphaSlope"`
	BetaSlope  float64 `yaml:"beta_slope" json:"betaSlope"`
	GammaSlope float64 `yaml:"gamma_slope" json:"gammaSlope"`
}

// Linear clamps |x| into [xMin, xMax] and rescales it onto [yMin, yMax].
func Linear(x, xMin, xMax, yMin, yMax float64) float64 {
	u := normalize(x, xMin, xMax)
	return yMin + u*(yMax-yMin)
}

// Map evaluates the piecewise curve at x.
func Map(x float64, ex Extremum, pw Piecewise) float64 {
	u := normalize(x, ex.XMin, ex.XMax)
	a, alphaY, betaX := breakpoints(ex, pw)

	var y float64
	if u < a {
		y = u * pw.AlphaSlope
	} else {
		if u < betaX {
			y = (u-a)*pw.GammaSlope + alphaY
		} else {
			y = (u-1)*pw.BetaSlope + 1
		}
	}
	return ex.YMin + y*(ex.YMax-ex.YMin)
}

// breakpoints returns the normalized alpha breakpoint, the curve value
// there, and the x where the gamma line through (a, alphaY) meets the
// beta line through (1, 1).
func breakpoints(ex Extremum, pw Piecewise) (a, alphaY, betaX float64) {
	a = (pw.Alpha - ex.XMin) / (ex.XMax - ex.XMin)
	a = math.Max(0, math.Min(1, a))
	alphaY = a * pw.AlphaSlope
	betaX = (alphaY - 1 + pw.BetaSlope - pw.GammaSlope*a) / (pw.BetaSlope - pw.GammaSlope)
	return a, alphaY, betaX
}

func normalize(x, xMin, xMax float64) float64 {
	c := math.Max(math.Min(math.Abs(x), xMax), xMin)
	return (c - xMin) / (xMax - xMin)
}

// Profile is one configured curve.
type Profile struct {
	Extremum  Extremum  `yaml:"extremum" json:"extremum"`
	Piecewise Piecewise `yaml:"piecewise" json:"piecewise"`
}

// Map evaluates the profile at x.
func (p Profile) Map(x float64) float64 {
	return Map(x, p.Extremum, p.Piecewise)
}

var ErrInvalidProfile = errors.New("invalid profile")

// Validate rejects profiles whose curve is undefined, not monotonic,
// or leaves [y_min, y_max].
func (p Profile) Validate() error {
	ex, pw := p.Extremum, p.Piecewise
	switch {
	case !(ex.XMax > ex.XMin):
		return fmt.Errorf("%w: x_max %.3f must exceed x_min %.3f", ErrInvalidProfile, ex.XMax, ex.XMin)
	case ex.YMax < ex.YMin:
		return fmt.Errorf("%w: y_max %.3f below y_min %.3f", ErrInvalidProfile, ex.YMax, ex.YMin)
	case pw.BetaSlope == pw.GammaSlope:
		return fmt.Errorf("%w: beta and gamma slopes are parallel", ErrInvalidProfile)
	case pw.AlphaSlope < 0 || pw.BetaSlope < 0 || pw.GammaSlope < 0:
		return fmt.Errorf("%w: slopes must not be negative", ErrInvalidProfile)
	}

	const eps = 1e-9
	a, alphaY, betaX := breakpoints(ex, pw)
	if alphaY > 1+eps {
		return fmt.Errorf("%w: alpha segment reaches %.3f of the output range", ErrInvalidProfile, alphaY)
	}
	if betaX < a-eps || betaX > 1+eps {
		return fmt.Errorf("%w: gamma meets beta at %.3f, outside [%.3f, 1]", ErrInvalidProfile, betaX, a)
	}
	return nil
}

// MaxError is the error, in degrees, at which both default profiles
// saturate.
const MaxError = 18.0

var defaultShape = Piecewise{Alpha: 10, AlphaSlope: 0.5, BetaSlope: 0.8, GammaSlope: 2.5}

// DefaultSpeed maps 0..18 degrees of error onto speed 0..10.
func DefaultSpeed() Profile {
	return Profile{
		Extremum:  Extremum{XMin: 0, XMax: MaxError, YMin: 0, YMax: 10},
		Piecewise: defaultShape,
	}
}

// DefaultDelay maps 0..18 degrees of error onto 5..50 ms, in seconds.
func DefaultDelay() Profile {
	return Profile{
		Extremum:  Extremum{XMin: 0, XMax: MaxError, YMin: 0.005, YMax: 0.05},
		Piecewise: defaultShape,
	}
}
