package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestTaskEnqueuedIncrementsByTaskType(t *testing.T) {
	before := testutil.ToFloat64(m.tasksEnqueued.WithLabelValues("dedup_compare"))
	TaskEnqueued("dedup_compare")
	after := testutil.ToFloat64(m.tasksEnqueued.WithLabelValues("dedup_compare"))
	assert.Equal(t, before+1.0, after)
}

func TestAttemptFinishedRecordsOutcomeAndDuration(t *testing.T) {
	before := testutil.ToFloat64(m.attemptOutcomes.WithLabelValues("recap_classify", "succeeded", ""))
	AttemptFinished("recap_classify", "succeeded", "", 1.5)
	after := testutil.ToFloat64(m.attemptOutcomes.WithLabelValues("recap_classify", "succeeded", ""))
	assert.Equal(t, before+1.0, after)
}

func TestAttemptFinishedRecordsFailureClass(t *testing.T) {
	before := testutil.ToFloat64(m.attemptOutcomes.WithLabelValues("recap_enrich", "failed", "BACKEND_TRANSIENT"))
	AttemptFinished("recap_enrich", "failed", "BACKEND_TRANSIENT", 0.25)
	after := testutil.ToFloat64(m.attemptOutcomes.WithLabelValues("recap_enrich", "failed", "BACKEND_TRANSIENT"))
	assert.Equal(t, before+1.0, after)
}

func TestSetQueueDepthSetsGaugeValue(t *testing.T) {
	SetQueueDepth(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(m.queueDepth))

	SetQueueDepth(0)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.queueDepth))
}

func TestIngestionRunFinishedRecordsArticleCount(t *testing.T) {
	before := testutil.ToFloat64(m.articlesIngested.WithLabelValues("hn"))
	IngestionRunFinished("hn", "succeeded", 12, 4.0)
	after := testutil.ToFloat64(m.articlesIngested.WithLabelValues("hn"))
	assert.Equal(t, before+12.0, after)
}

func TestDedupClusterFormedIncrementsBothCounters(t *testing.T) {
	beforeClusters := testutil.ToFloat64(m.dedupClustersFormed)
	beforeMarked := testutil.ToFloat64(m.dedupArticlesMarked)

	DedupClusterFormed(3)

	assert.Equal(t, beforeClusters+1.0, testutil.ToFloat64(m.dedupClustersFormed))
	assert.Equal(t, beforeMarked+3.0, testutil.ToFloat64(m.dedupArticlesMarked))
}

func TestRecapRunFinishedIncrementsByStatus(t *testing.T) {
	before := testutil.ToFloat64(m.recapRunOutcomes.WithLabelValues("succeeded"))
	RecapRunFinished("succeeded")
	after := testutil.ToFloat64(m.recapRunOutcomes.WithLabelValues("succeeded"))
	assert.Equal(t, before+1.0, after)
}

func TestSlackNotificationSentIncrementsByKindAndOutcome(t *testing.T) {
	before := testutil.ToFloat64(m.slackNotificationsSent.WithLabelValues("recap_ready", "sent"))
	SlackNotificationSent("recap_ready", "sent")
	after := testutil.ToFloat64(m.slackNotificationsSent.WithLabelValues("recap_ready", "sent"))
	assert.Equal(t, before+1.0, after)
}
