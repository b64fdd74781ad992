// Package severity turns a raw observation into a classified severity and
// structural weight. Everything here is pure: no I/O, no clock, no errors.
// Malformed input is rejected at the ingestion boundary before it gets here.
package severity

import (
	"github.com/ashita-ai/keystone/internal/model"
	"github.com/ashita-ai/keystone/scoring"
)

// Classify returns the severity and structural weight for an observation.
//
// The caller-supplied severity is used when present, else low. A deviation
// above scoring.CriticalDeviationMM on a beam or column is always critical,
// whatever the caller said.
func Classify(o model.Observation) (model.Severity, float64) {
	sev := model.SeverityLow
	if o.SeverityLevel != nil {
		sev = *o.SeverityLevel
	}
	element := string(o.ElementType)
	if scoring.IsLoadBearing(element) && o.MetricDeviation > scoring.CriticalDeviationMM {
		sev = model.SeverityCritical
	}
	return sev, scoring.StructuralWeight(element)
}

// IsCriticalDeviation reports whether a finding should raise a critical alert:
// either it was classified critical or its deviation exceeds the threshold.
func IsCriticalDeviation(sev model.Severity, deviation float64) bool {
	return sev == model.SeverityCritical || deviation > scoring.CriticalDeviationMM
}

var actions = map[model.PathologyType]string{
	model.PathologyCrack:      "seal and monitor crack width",
	model.PathologyMoisture:   "locate the water source and dry the affected area",
	model.PathologyThermal:    "restore insulation continuity at the thermal bridge",
	model.PathologyStructural: "commission a structural assessment of the element",
	model.PathologyCorrosion:  "remove corrosion and treat exposed reinforcement",
	model.PathologySpalling:   "remove loose concrete and patch with repair mortar",
	model.PathologyDeflection: "verify load path and deflection against design limits",
}

var urgency = map[model.Severity]string{
	model.SeverityLow:      "Schedule during routine maintenance",
	model.SeverityMedium:   "Plan within the next maintenance cycle",
	model.SeverityHigh:     "Address within 30 days",
	model.SeverityCritical: "Restrict access and act immediately",
}

// Remediation suggests a corrective action for a pathology at a severity.
func Remediation(p model.PathologyType, s model.Severity) string {
	action, ok := actions[p]
	if !ok {
		action = "inspect and document the defect"
	}
	u, ok := urgency[s]
	if !ok {
		u = urgency[model.SeverityLow]
	}
	return u + ": " + action + "."
}
