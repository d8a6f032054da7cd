// Package grading turns marks into grades and grade point averages.
// A Scale is a versioned value passed explicitly to every computation.
package grading

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

var (
	ErrInvalidScale = errors.New("invalid grading scale")
	ErrUnknownScale = errors.New("unknown grading scale")
	ErrInvalidMarks = errors.New("invalid marks")
)

// Band maps an inclusive marks range to a grade
type Band struct {
	Grade       string  `json:"grade" yaml:"grade"`
	MinMarks    float64 `json:"min_marks" yaml:"min_marks"`
	MaxMarks    float64 `json:"max_marks" yaml:"max_marks"`
	GradePoint  float64 `json:"grade_point" yaml:"grade_point"`
	Description string  `json:"description,omitempty" yaml:"description"`
	Pass        bool    `json:"pass" yaml:"pass"`
}

// Contains reports whether marks fall inside the band
func (b Band) Contains(marks float64) bool {
	return marks >= b.MinMarks && marks <= b.MaxMarks
}

// Scale is a named, versioned set of non-overlapping bands
type Scale struct {
	Name    string `json:"name" yaml:"name"`
	Version int    `json:"version" yaml:"version"`
	Bands   []Band `json:"bands" yaml:"bands"`
}

// Validate sorts bands from highest to lowest and rejects overlaps
func (s *Scale) Validate() error {
	s.Name = strings.TrimSpace(s.Name)
	if s.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidScale)
	}
	if s.Version <= 0 {
		s.Version = 1
	}
	if len(s.Bands) == 0 {
		return fmt.Errorf("%w: %s has no bands", ErrInvalidScale, s.Name)
	}

	sort.Slice(s.Bands, func(i, j int) bool { return s.Bands[i].MinMarks > s.Bands[j].MinMarks })

	for i, b := range s.Bands {
		if b.Grade == "" {
			return fmt.Errorf("%w: %s band %d has no grade", ErrInvalidScale, s.Name, i)
		}
		if b.MinMarks < 0 || b.MaxMarks > 100 || b.MinMarks > b.MaxMarks {
			return fmt.Errorf("%w: %s band %s has range %.2f-%.2f", ErrInvalidScale, s.Name, b.Grade, b.MinMarks, b.MaxMarks)
		}
		if i > 0 && b.MaxMarks >= s.Bands[i-1].MinMarks {
			return fmt.Errorf("%w: %s bands %s and %s overlap", ErrInvalidScale, s.Name, s.Bands[i-1].Grade, b.Grade)
		}
	}
	return nil
}

// Grade returns the band for marks
func (s *Scale) Grade(marks float64) (Band, error) {
	if marks < 0 || marks > 100 || math.IsNaN(marks) {
		return Band{}, fmt.Errorf("%w: %.2f is outside 0-100", ErrInvalidMarks, marks)
	}
	for _, b := range s.Bands {
		if b.Contains(marks) {
			return b, nil
		}
	}
	return Band{}, fmt.Errorf("%w: %.2f falls in no band of %s", ErrInvalidMarks, marks, s.Name)
}

// UnitResult is the marks and credit weight of one unit
type UnitResult struct {
	Code    string  `json:"code,omitempty"`
	Marks   float64 `json:"marks"`
	Credits int     `json:"credits"`
}

// GradedUnit is a unit result with its grade applied
type GradedUnit struct {
	UnitResult
	Grade         string  `json:"grade"`
	GradePoint    float64 `json:"grade_point"`
	QualityPoints float64 `json:"quality_points"`
	Pass          bool    `json:"pass"`
}

// GPAResult is the outcome of a GPA computation
type GPAResult struct {
	Scale         string       `json:"scale"`
	ScaleVersion  int          `json:"scale_version"`
	Units         []GradedUnit `json:"units"`
	TotalCredits  int          `json:"total_credits"`
	QualityPoints float64      `json:"quality_points"`
	GPA           float64      `json:"gpa"`
}

// GPA grades every unit and returns the credit-weighted average, rounded to two decimals
func (s *Scale) GPA(units []UnitResult) (GPAResult, error) {
	result := GPAResult{
		Scale:        s.Name,
		ScaleVersion: s.Version,
		Units:        make([]GradedUnit, 0, len(units)),
	}

	for i, u := range units {
		if u.Credits <= 0 {
			return GPAResult{}, fmt.Errorf("%w: unit %d has %d credits", ErrInvalidMarks, i, u.Credits)
		}
		band, err := s.Grade(u.Marks)
		if err != nil {
			return GPAResult{}, err
		}

		qp := band.GradePoint * float64(u.Credits)
		result.Units = append(result.Units, GradedUnit{
			UnitResult:    u,
			Grade:         band.Grade,
			GradePoint:    band.GradePoint,
			QualityPoints: qp,
			Pass:          band.Pass,
		})
		result.TotalCredits += u.Credits
		result.QualityPoints += qp
	}

	if result.TotalCredits > 0 {
		result.GPA = round2(result.QualityPoints / float64(result.TotalCredits))
	}
	result.QualityPoints = round2(result.QualityPoints)
	return result, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
