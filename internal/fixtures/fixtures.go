// Package fixtures holds the canned content the mock returns in result
// reports. The compiled defaults can be replaced with a YAML or JSON file.
package fixtures

import (
	"fmt"

	"github.com/spf13/viper"
)

// Observation is one OBX line of a result report.
type Observation struct {
	ValueType      string `mapstructure:"value_type" json:"value_type"`
	Code           string `mapstructure:"code" json:"code"`
	Text           string `mapstructure:"text" json:"text"`
	CodingSystem   string `mapstructure:"coding_system" json:"coding_system"`
	Value          string `mapstructure:"value" json:"value"`
	Units          string `mapstructure:"units" json:"units"`
	ReferenceRange string `mapstructure:"reference_range" json:"reference_range"`
	AbnormalFlag   string `mapstructure:"abnormal_flag" json:"abnormal_flag"`
	Status         string `mapstructure:"status" json:"status"`
}

// ResultReport is the observation and note content of every ORU^R01 the mock
// sends for an order.
type ResultReport struct {
	Observations []Observation `mapstructure:"observations" json:"observations"`
	Notes        []string      `mapstructure:"notes" json:"notes"`
}

// DefaultResultReport is a small complete blood count.
func DefaultResultReport() ResultReport {
	return ResultReport{
		Observations: []Observation{
			{ValueType: "NM", Code: "6690-2", Text: "WBC", CodingSystem: "LN", Value: "6.8", Units: "10*3/uL", ReferenceRange: "4.0-11.0", Status: "F"},
			{ValueType: "NM", Code: "718-7", Text: "Hemoglobin", CodingSystem: "LN", Value: "13.9", Units: "g/dL", ReferenceRange: "12.0-16.0", Status: "F"},
			{ValueType: "NM", Code: "777-3", Text: "Platelets", CodingSystem: "LN", Value: "452", Units: "10*3/uL", ReferenceRange: "150-400", AbnormalFlag: "H", Status: "F"},
		},
		Notes: []string{"Specimen received in good condition."},
	}
}

// Load reads the result_report key from path. An empty path returns the
// defaults.
func Load(path string) (ResultReport, error) {
	if path == "" {
		return DefaultResultReport(), nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return ResultReport{}, fmt.Errorf("read fixtures %s: %w", path, err)
	}
	if !v.IsSet("result_report") {
		return ResultReport{}, fmt.Errorf("fixtures %s: missing result_report", path)
	}

	var report ResultReport
	if err := v.UnmarshalKey("result_report", &report); err != nil {
		return ResultReport{}, fmt.Errorf("decode fixtures %s: %w", path, err)
	}
	for i, obs := range report.Observations {
		if obs.ValueType == "" {
			report.Observations[i].ValueType = "ST"
		}
		if obs.Status == "" {
			report.Observations[i].Status = "F"
		}
	}
	return report, nil
}
