package config

import (
	"fmt"
	"strconv"
	"strings"
)

// SimilarityKind selects the similarity metric
type SimilarityKind int

const (
	MeanSquares SimilarityKind = iota
	GradientDifference
	MutualInformation
	NormalizedCrossCorrelation
	MattesMutualInformation
	MutualInformationHistogram
	NormalizedMutualInformationHistogram
)

var similarityNames = []string{
	"MeanSquares",
	"GradientDifference",
	"MutualInformation",
	"NormalizedCrossCorrelation",
	"MattesMutualInformation",
	"MutualInformationHistogram",
	"NormalizedMutualInformationHistogram",
}

// SimilarityKinds lists every known similarity kind in numeric order
func SimilarityKinds() []SimilarityKind {
	kinds := make([]SimilarityKind, len(similarityNames))
	for i := range kinds {
		kinds[i] = SimilarityKind(i)
	}
	return kinds
}

func (k SimilarityKind) Valid() bool {
	return k >= 0 && int(k) < len(similarityNames)
}

func (k SimilarityKind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("SimilarityKind(%d)", int(k))
	}
	return similarityNames[k]
}

// Maximizes reports whether the metric's optimum is a maximum
func (k SimilarityKind) Maximizes() bool {
	switch k {
	case MutualInformation, MattesMutualInformation, MutualInformationHistogram,
		NormalizedCrossCorrelation, NormalizedMutualInformationHistogram:
		return true
	}
	return false
}

// RequiresNormalizedInput reports whether both images must be normalized to
// zero mean and unit variance before they are attached to the pipeline.
func (k SimilarityKind) RequiresNormalizedInput() bool {
	return k == MutualInformation
}

func (k SimilarityKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("unknown similarity kind %d", int(k))
	}
	return []byte(k.String()), nil
}

func (k *SimilarityKind) UnmarshalText(text []byte) error {
	v, err := lookupKind(string(text), similarityNames)
	if err != nil {
		return fmt.Errorf("similarity: %w", err)
	}
	*k = SimilarityKind(v)
	return nil
}

// TransformKind selects the spatial transform family
type TransformKind int

const (
	Euler TransformKind = iota
	Affine
)

var transformNames = []string{"Euler", "Affine"}

func (k TransformKind) Valid() bool {
	return k >= 0 && int(k) < len(transformNames)
}

func (k TransformKind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("TransformKind(%d)", int(k))
	}
	return transformNames[k]
}

func (k TransformKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("unknown transform kind %d", int(k))
	}
	return []byte(k.String()), nil
}

func (k *TransformKind) UnmarshalText(text []byte) error {
	v, err := lookupKind(string(text), transformNames)
	if err != nil {
		return fmt.Errorf("transform: %w", err)
	}
	*k = TransformKind(v)
	return nil
}

// OptimizerKind selects the optimizer
type OptimizerKind int

const (
	RegularGradientStep OptimizerKind = iota
)

var optimizerNames = []string{"RegularGradientStep"}

func (k OptimizerKind) String() string {
	if k < 0 || int(k) >= len(optimizerNames) {
		return fmt.Sprintf("OptimizerKind(%d)", int(k))
	}
	return optimizerNames[k]
}

func (k OptimizerKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *OptimizerKind) UnmarshalText(text []byte) error {
	v, err := lookupKind(string(text), optimizerNames)
	if err != nil {
		return fmt.Errorf("optimizer: %w", err)
	}
	*k = OptimizerKind(v)
	return nil
}

// InterpolatorKind selects the image interpolator
type InterpolatorKind int

const (
	Linear InterpolatorKind = iota
)

var interpolatorNames = []string{"Linear"}

func (k InterpolatorKind) String() string {
	if k < 0 || int(k) >= len(interpolatorNames) {
		return fmt.Sprintf("InterpolatorKind(%d)", int(k))
	}
	return interpolatorNames[k]
}

func (k InterpolatorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *InterpolatorKind) UnmarshalText(text []byte) error {
	v, err := lookupKind(string(text), interpolatorNames)
	if err != nil {
		return fmt.Errorf("interpolator: %w", err)
	}
	*k = InterpolatorKind(v)
	return nil
}

// lookupKind accepts either a case-insensitive name or its number. Numbers
// are not range-checked so that Clamp can report them.
func lookupKind(text string, names []string) (int, error) {
	text = strings.TrimSpace(text)
	if v, err := strconv.Atoi(text); err == nil {
		return v, nil
	}
	for i, name := range names {
		if strings.EqualFold(name, text) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown kind %q", text)
}

// Variant is one concrete pipeline instantiation
type Variant struct {
	Dimension int
	Transform TransformKind

	// PixelType is the internal pixel representation; all images are
	// registered as float64.
	PixelType string
}

func (v Variant) String() string {
	return fmt.Sprintf("%s%dD<%s>", v.Transform, v.Dimension, v.PixelType)
}

// ResolveVariant maps a dimensionality and transform kind to the unique
// pipeline variant, or rejects the combination.
func ResolveVariant(dims int, transform TransformKind) (Variant, error) {
	if dims != 2 && dims != 3 {
		return Variant{}, fmt.Errorf("%w: %d-D images are not supported", ErrUnsupportedVariant, dims)
	}
	if !transform.Valid() {
		return Variant{}, fmt.Errorf("%w: %s", ErrUnsupportedVariant, transform)
	}
	return Variant{Dimension: dims, Transform: transform, PixelType: "float64"}, nil
}
