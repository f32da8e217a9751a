// Package detector defines the object detection contract and the class
// taxonomy used for intrusion classification.
package detector

import (
	"image"
)

// Class is the intrusion category of a detection.
type Class string

const (
	ClassHuman   Class = "human"
	ClassAnimal  Class = "animal"
	ClassObject  Class = "object"
	ClassUnknown Class = "unknown"
)

// animalLabels are the model labels mapped to ClassAnimal.
var animalLabels = map[string]bool{
	"dog":  true,
	"cat":  true,
	"bird": true,
}

// Classify maps a model class label to an intrusion class.
func Classify(label string) Class {
	switch {
	case label == "person":
		return ClassHuman
	case animalLabels[label]:
		return ClassAnimal
	case label == "":
		return ClassUnknown
	default:
		return ClassObject
	}
}

// RawDetection is one object reported by a detection backend. The box is
// in pixel coordinates of the resized inference image; the pipeline maps
// it back to normalized original-frame coordinates.
type RawDetection struct {
	Label      string
	Confidence float64
	Box        image.Rectangle
}

// Detection is a fully classified detection in normalized original-frame
// coordinates. Recomputed every processed frame, never mutated.
type Detection struct {
	Class       Class      `json:"class"`
	Label       string     `json:"label"`
	Confidence  float64    `json:"confidence"`
	BBox        [4]float64 `json:"bbox"` // x_min, y_min, x_max, y_max in [0,1]
	InPerimeter bool       `json:"in_perimeter"`
}

// Center returns the bounding box center point.
func (d Detection) Center() (float64, float64) {
	return (d.BBox[0] + d.BBox[2]) / 2, (d.BBox[1] + d.BBox[3]) / 2
}

// Detector is the object detection backend contract. Detect receives the
// full-resolution frame image and the configured inference size; the
// backend owns the resize and reports boxes in the resized pixel space.
type Detector interface {
	Detect(img image.Image, inferenceSize int) ([]RawDetection, error)
	Close() error
}
