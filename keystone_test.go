package keystone

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/keystone/internal/alert"
	"github.com/ashita-ai/keystone/internal/model"
)

type stubEmbedder struct {
	err error
}

func (s stubEmbedder) Embed(context.Context, string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []float32{0.6, 0.8}, nil
}

func (s stubEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i), 1}
	}
	return out, nil
}

func (stubEmbedder) Dimensions() int { return 2 }

func TestEmbeddingAdapter(t *testing.T) {
	a := &embeddingAdapter{p: stubEmbedder{}}
	assert.Equal(t, 2, a.Dimensions())

	v, err := a.Embed(context.Background(), "crack")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.6, 0.8}, v.Slice())

	vs, err := a.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vs, 3)
	assert.Equal(t, []float32{2, 1}, vs[2].Slice())

	boom := errors.New("provider down")
	_, err = (&embeddingAdapter{p: stubEmbedder{err: boom}}).Embed(context.Background(), "x")
	assert.ErrorIs(t, err, boom)
	_, err = (&embeddingAdapter{p: stubEmbedder{err: boom}}).EmbedBatch(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, boom)
}

type recordingHandler struct {
	got []Alert
}

func (r *recordingHandler) HandleAlert(_ context.Context, a Alert) error {
	r.got = append(r.got, a)
	return nil
}

func TestAlertHandlerAdapter(t *testing.T) {
	ref := "EN 1992-1-1 Section 7.3.1"
	in := alert.Alert{
		InspectionID: uuid.New(),
		OrgID:        uuid.New(),
		HealthScore:  60,
		RaisedAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Findings: []model.Finding{
			{
				ID:                 uuid.New(),
				PathologyType:      model.PathologyStructural,
				ElementType:        model.ElementColumn,
				MetricDeviation:    7.5,
				Severity:           model.SeverityCritical,
				NormativeReference: &ref,
				Remediation:        "Shore the column and schedule a structural survey.",
			},
			{
				ID:            uuid.New(),
				PathologyType: model.PathologyCrack,
				ElementType:   model.ElementBeam,
				Severity:      model.SeverityCritical,
			},
		},
	}

	h := &recordingHandler{}
	require.NoError(t, (&alertHandlerAdapter{h: h}).Dispatch(context.Background(), in))
	require.Len(t, h.got, 1)

	got := h.got[0]
	assert.Equal(t, in.InspectionID, got.InspectionID)
	assert.Equal(t, in.OrgID, got.OrgID)
	assert.Equal(t, 60, got.HealthScore)
	assert.Equal(t, in.RaisedAt, got.RaisedAt)
	require.Len(t, got.Findings, 2)
	assert.Equal(t, "structural", got.Findings[0].PathologyType)
	assert.Equal(t, "column", got.Findings[0].ElementType)
	assert.Equal(t, "critical", got.Findings[0].Severity)
	assert.Equal(t, ref, got.Findings[0].NormativeReference)
	assert.Empty(t, got.Findings[1].NormativeReference)
}

func TestContextWithOptionalTimeout(t *testing.T) {
	ctx, cancel := contextWithOptionalTimeout(context.Background(), time.Minute)
	defer cancel()
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, 5*time.Second)

	parent, parentCancel := context.WithTimeout(context.Background(), time.Second)
	defer parentCancel()
	want, _ := parent.Deadline()
	ctx2, cancel2 := contextWithOptionalTimeout(parent, time.Hour)
	defer cancel2()
	got, ok := ctx2.Deadline()
	require.True(t, ok)
	assert.Equal(t, want, got, "an existing deadline is kept")
}

func TestOllamaFits(t *testing.T) {
	assert.False(t, ollamaFits("nomic-embed-text", 1536))
	assert.True(t, ollamaFits("nomic-embed-text:latest", 768))
	assert.True(t, ollamaFits("private-model", 1536))
}
