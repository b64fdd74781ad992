package model_test

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/keystone/internal/model"
)

// ptr is a convenience helper for pointer literals in test cases.
func ptr[T any](v T) *T { return &v }

func validRequest() model.IngestRequest {
	return model.IngestRequest{
		InspectionID: uuid.New(),
		OrgID:        uuid.New(),
		Findings: []model.Observation{
			{PathologyType: model.PathologyThermal, MetricDeviation: 1.2, ElementType: model.ElementFacade, SeverityLevel: ptr(model.SeverityLow)},
		},
	}
}

func violationFields(t *testing.T, err error) []string {
	t.Helper()
	var verr *model.ValidationError
	require.True(t, errors.As(err, &verr), "expected *ValidationError, got %T", err)
	fields := make([]string, len(verr.Violations))
	for i, v := range verr.Violations {
		fields[i] = v.Field
	}
	return fields
}

func TestIngestRequestValidate_HappyPath(t *testing.T) {
	assert.NoError(t, validRequest().Validate())
}

func TestIngestRequestValidate_ReportsAllViolations(t *testing.T) {
	req := model.IngestRequest{
		Findings: []model.Observation{
			{PathologyType: "rust", MetricDeviation: 2, ElementType: model.ElementBeam},
			{PathologyType: model.PathologyCrack, MetricDeviation: -1, ElementType: "roof"},
			{PathologyType: model.PathologyMoisture, MetricDeviation: 3, ElementType: model.ElementSlab, SeverityLevel: ptr(model.Severity("urgent"))},
		},
	}
	err := req.Validate()
	require.Error(t, err)
	assert.ElementsMatch(t, []string{
		"inspection_id",
		"organization_id",
		"findings[0].pathology_type",
		"findings[1].element_type",
		"findings[1].metric_deviation",
		"findings[2].severity_level",
	}, violationFields(t, err))
}

func TestIngestRequestValidate_EmptyBatch(t *testing.T) {
	req := validRequest()
	req.Findings = nil
	assert.Equal(t, []string{"findings"}, violationFields(t, req.Validate()))
}

func TestIngestRequestValidate_BatchTooLarge(t *testing.T) {
	req := validRequest()
	obs := req.Findings[0]
	req.Findings = make([]model.Observation, model.MaxBatchSize+1)
	for i := range req.Findings {
		req.Findings[i] = obs
	}
	assert.Equal(t, []string{"findings"}, violationFields(t, req.Validate()))
}

func TestValidateObservation_Deviation(t *testing.T) {
	tests := []struct {
		name      string
		deviation float64
		wantErr   bool
	}{
		{"positive", 0.1, false},
		{"zero", 0, true},
		{"negative", -3, true},
		{"nan", math.NaN(), true},
		{"inf", math.Inf(1), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := model.ValidateObservation("", model.Observation{
				PathologyType:   model.PathologyStructural,
				MetricDeviation: tt.deviation,
				ElementType:     model.ElementColumn,
			})
			if tt.wantErr {
				assert.Equal(t, []string{"metric_deviation"}, violationFields(t, err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateObservation_PerPathologyRules(t *testing.T) {
	tests := []struct {
		name    string
		obs     model.Observation
		wantErr string
	}{
		{"crack within bound", model.Observation{PathologyType: model.PathologyCrack, MetricDeviation: 500, ElementType: model.ElementFacade}, ""},
		{"crack over bound", model.Observation{PathologyType: model.PathologyCrack, MetricDeviation: 500.5, ElementType: model.ElementFacade}, "metric_deviation"},
		{"deflection on beam", model.Observation{PathologyType: model.PathologyDeflection, MetricDeviation: 12, ElementType: model.ElementBeam}, ""},
		{"deflection on facade", model.Observation{PathologyType: model.PathologyDeflection, MetricDeviation: 12, ElementType: model.ElementFacade}, "element_type"},
		{"corrosion on column", model.Observation{PathologyType: model.PathologyCorrosion, MetricDeviation: 4, ElementType: model.ElementColumn}, ""},
		{"corrosion on facade", model.Observation{PathologyType: model.PathologyCorrosion, MetricDeviation: 4, ElementType: model.ElementFacade}, "element_type"},
		{"spalling over bound", model.Observation{PathologyType: model.PathologySpalling, MetricDeviation: 301, ElementType: model.ElementSlab}, "metric_deviation"},
		{"thermal anywhere", model.Observation{PathologyType: model.PathologyThermal, MetricDeviation: 1, ElementType: model.ElementSlab}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := model.ValidateObservation("", tt.obs)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, []string{tt.wantErr}, violationFields(t, err))
		})
	}
}

func TestValidateObservation_DescriptionTooLong(t *testing.T) {
	err := model.ValidateObservation("findings[0]", model.Observation{
		PathologyType:   model.PathologyMoisture,
		MetricDeviation: 1,
		ElementType:     model.ElementFacade,
		Description:     ptr(strings.Repeat("x", model.MaxDescriptionLen+1)),
	})
	assert.Equal(t, []string{"findings[0].description"}, violationFields(t, err))
}

func TestValidateObservation_DescriptionCountsCharacters(t *testing.T) {
	// 2000 three-byte runes is 6000 bytes but within the limit.
	o := model.Observation{
		PathologyType:   model.PathologyMoisture,
		MetricDeviation: 1,
		ElementType:     model.ElementFacade,
		Description:     ptr(strings.Repeat("裂", model.MaxDescriptionLen)),
	}
	require.NoError(t, model.ValidateObservation("", o))

	o.Description = ptr(strings.Repeat("裂", model.MaxDescriptionLen+1))
	assert.Equal(t, []string{"description"}, violationFields(t, model.ValidateObservation("", o)))
}

func TestValidateObservation_DescriptionMustBeStorableText(t *testing.T) {
	tests := []struct {
		name string
		desc string
		want string
	}{
		{"nul byte", "crack\x00near joint", "NUL"},
		{"invalid utf8", "crack \xff\xfe", "UTF-8"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := model.ValidateObservation("findings[2]", model.Observation{
				PathologyType:   model.PathologyCrack,
				MetricDeviation: 1,
				ElementType:     model.ElementFacade,
				Description:     ptr(tt.desc),
			})
			var verr *model.ValidationError
			require.ErrorAs(t, err, &verr)
			require.Len(t, verr.Violations, 1)
			assert.Equal(t, "findings[2].description", verr.Violations[0].Field)
			assert.Contains(t, verr.Violations[0].Message, tt.want)
		})
	}
}

func TestCreateInspectionRequestValidate(t *testing.T) {
	tests := []struct {
		name     string
		building string
		wantErr  bool
	}{
		{"plain", "tower-b", false},
		{"multibyte at limit", strings.Repeat("é", model.MaxBuildingIDLen), false},
		{"empty", "", true},
		{"blank", "   ", true},
		{"too long", strings.Repeat("b", model.MaxBuildingIDLen+1), true},
		{"nul byte", "tower\x00b", true},
		{"invalid utf8", "tower-\xc3", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := model.CreateInspectionRequest{BuildingID: tt.building}.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, []string{"building_id"}, violationFields(t, err))
		})
	}
}

func TestLoadKnowledgeRequestRejectsUnstorableText(t *testing.T) {
	req := model.LoadKnowledgeRequest{Chunks: []model.KnowledgeChunkInput{
		{Source: "NTC-2018", Section: "4.1.2", Content: "Concrete cover\x00"},
		{Source: "NTC-2018\xff", Section: "4.1.3", Content: "Reinforcement"},
	}}
	assert.ElementsMatch(t, []string{"chunks[0].content", "chunks[1].source"}, violationFields(t, req.Validate()))
}

func TestValidationErrorMessage(t *testing.T) {
	err := &model.ValidationError{Violations: []model.FieldViolation{
		{Field: "a", Message: "bad"},
		{Field: "b", Message: "worse"},
	}}
	assert.Equal(t, "validation failed: a: bad; b: worse", err.Error())
}
