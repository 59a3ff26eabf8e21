package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestScore_TierDominatesAge(t *testing.T) {
	now := time.Now()

	// A low-tier job enqueued 30 years ago still loses to a fresh critical.
	old := Score(TierLow, now.Add(-30*365*24*time.Hour))
	fresh := Score(TierCritical, now)
	if old >= fresh {
		t.Errorf("low score %f >= critical score %f", old, fresh)
	}

	// Within a tier, earlier enqueue wins.
	earlier := Score(TierNormal, now.Add(-time.Second))
	later := Score(TierNormal, now)
	if earlier <= later {
		t.Errorf("earlier score %f <= later score %f", earlier, later)
	}
}

func TestScore_StaysInsideTierBand(t *testing.T) {
	// LenByTier counts jobs by ZCount over each tier's band, so every
	// live job's score must fall inside the band of its own tier.
	ages := []time.Duration{0, time.Minute, 24 * time.Hour, 30 * 24 * time.Hour}
	now := time.Now()
	for _, tier := range Tiers {
		min, max := tierBounds(tier)
		for _, age := range ages {
			s := Score(tier, now.Add(-age))
			if s < min || s > max {
				t.Errorf("tier %s, age %s: score %f outside band [%f, %f]", tier, age, s, min, max)
			}
		}
	}
}

func TestTierBounds_Contiguous(t *testing.T) {
	// No gaps between adjacent bands: a score below one tier's band
	// belongs to the band of the next tier down.
	for i := 0; i < len(Tiers)-1; i++ {
		higherMin, _ := tierBounds(Tiers[i])
		_, lowerMax := tierBounds(Tiers[i+1])
		if higherMin != lowerMax {
			t.Errorf("gap between %s and %s: %f vs %f", Tiers[i], Tiers[i+1], higherMin, lowerMax)
		}
	}
}

func TestMemoryQueue_DequeueOrder(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	enqueued := []struct {
		id   string
		tier Tier
	}{
		{"job_low", TierLow},
		{"job_crit1", TierCritical},
		{"job_norm", TierNormal},
		{"job_high", TierHigh},
		{"job_crit2", TierCritical},
	}
	for _, e := range enqueued {
		if err := q.Enqueue(ctx, Job{ID: e.id, Tier: e.tier}); err != nil {
			t.Fatalf("Enqueue %s: %v", e.id, err)
		}
	}

	// Tier order first, FIFO inside a tier.
	want := []string{"job_crit1", "job_crit2", "job_high", "job_norm", "job_low"}
	for i, wantID := range want {
		id, ok, err := q.Dequeue(ctx)
		if err != nil || !ok {
			t.Fatalf("Dequeue %d: ok=%v err=%v", i, ok, err)
		}
		if id != wantID {
			t.Errorf("Dequeue %d = %s, want %s", i, id, wantID)
		}
	}

	if _, ok, _ := q.Dequeue(ctx); ok {
		t.Error("Dequeue on empty queue returned a job")
	}
}

func TestMemoryQueue_UnknownTier(t *testing.T) {
	q := NewMemoryQueue()

	if err := q.Enqueue(context.Background(), Job{ID: "job_1", Tier: "urgent"}); err != ErrUnknownTier {
		t.Errorf("Expected ErrUnknownTier, got %v", err)
	}
}

func TestMemoryQueue_ReenqueueReplaces(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	q.Enqueue(ctx, Job{ID: "job_1", Tier: TierLow})
	q.Enqueue(ctx, Job{ID: "job_2", Tier: TierNormal})
	// Promote job_1 to critical.
	q.Enqueue(ctx, Job{ID: "job_1", Tier: TierCritical})

	if n, _ := q.Len(ctx); n != 2 {
		t.Fatalf("Len = %d, want 2", n)
	}
	id, _, _ := q.Dequeue(ctx)
	if id != "job_1" {
		t.Errorf("Dequeue = %s, want promoted job_1", id)
	}
}

func TestMemoryQueue_RemoveAndPosition(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	q.Enqueue(ctx, Job{ID: "job_a", Tier: TierCritical})
	q.Enqueue(ctx, Job{ID: "job_b", Tier: TierNormal})
	q.Enqueue(ctx, Job{ID: "job_c", Tier: TierLow})

	pos, ok, _ := q.Position(ctx, "job_b")
	if !ok || pos != 1 {
		t.Errorf("Position(job_b) = %d, %v; want 1, true", pos, ok)
	}

	removed, err := q.Remove(ctx, "job_b")
	if err != nil || !removed {
		t.Fatalf("Remove: removed=%v err=%v", removed, err)
	}
	if removed, _ := q.Remove(ctx, "job_b"); removed {
		t.Error("second Remove reported success")
	}

	pos, ok, _ = q.Position(ctx, "job_c")
	if !ok || pos != 1 {
		t.Errorf("Position(job_c) after removal = %d, %v; want 1, true", pos, ok)
	}
	if _, ok, _ := q.Position(ctx, "job_b"); ok {
		t.Error("Position found a removed job")
	}
}

func TestMemoryQueue_LenByTier(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	for i, tier := range []Tier{TierLow, TierLow, TierLow, TierCritical, TierHigh, TierHigh} {
		q.Enqueue(ctx, Job{ID: "job_" + string(rune('a'+i)), Tier: tier})
	}

	counts, err := q.LenByTier(ctx)
	if err != nil {
		t.Fatalf("LenByTier: %v", err)
	}
	want := map[Tier]int64{TierCritical: 1, TierHigh: 2, TierNormal: 0, TierLow: 3}
	for tier, n := range want {
		if counts[tier] != n {
			t.Errorf("counts[%s] = %d, want %d", tier, counts[tier], n)
		}
	}
}

func TestMemoryQueue_MetadataLifecycle(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	q.Enqueue(ctx, Job{ID: "job_m", Tier: TierNormal, Metadata: map[string]string{"user_id": "7"}})

	md, err := q.Metadata(ctx, "job_m")
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if md["user_id"] != "7" {
		t.Errorf("metadata = %v", md)
	}

	q.Remove(ctx, "job_m")
	if md, _ := q.Metadata(ctx, "job_m"); md != nil {
		t.Errorf("metadata survived removal: %v", md)
	}
}

func TestDetermineTier(t *testing.T) {
	cases := []struct {
		jobType     string
		paid, admin bool
		want        Tier
	}{
		{"render", false, true, TierCritical},
		{"render", true, false, TierHigh},
		{"batch", false, false, TierLow},
		{"render", false, false, TierNormal},
		{"batch", true, false, TierHigh}, // paid outranks batch
	}
	for _, tc := range cases {
		if got := DetermineTier(tc.jobType, tc.paid, tc.admin); got != tc.want {
			t.Errorf("DetermineTier(%q, %v, %v) = %s, want %s", tc.jobType, tc.paid, tc.admin, got, tc.want)
		}
	}
}

// ---------------------------------------------------------------------------
// HTTP handlers
// ---------------------------------------------------------------------------

func setupQueueRouter() (*gin.Engine, *MemoryQueue) {
	gin.SetMode(gin.TestMode)

	q := NewMemoryQueue()
	handler := NewHandler(q, slog.Default())

	r := gin.New()
	handler.RegisterRoutes(r.Group("/v1"))
	return r, q
}

func TestHandler_SubmitAndDequeue(t *testing.T) {
	router, _ := setupQueueRouter()

	body, _ := json.Marshal(gin.H{"jobId": "job_1", "tier": "high", "metadata": gin.H{"user_id": "7"}})
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/queue/jobs", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/v1/queue/dequeue", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		JobID    string            `json:"jobId"`
		Metadata map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.JobID != "job_1" || resp.Metadata["user_id"] != "7" {
		t.Errorf("Unexpected response: %+v", resp)
	}
}

func TestHandler_SubmitGeneratesID(t *testing.T) {
	router, _ := setupQueueRouter()

	body, _ := json.Marshal(gin.H{"jobType": "batch"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/queue/jobs", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		JobID string `json:"jobId"`
		Tier  string `json:"tier"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.JobID == "" {
		t.Error("Expected generated job ID")
	}
	if resp.Tier != "low" {
		t.Errorf("Expected derived tier low, got %s", resp.Tier)
	}
}

func TestHandler_SubmitInvalidTier(t *testing.T) {
	router, _ := setupQueueRouter()

	body, _ := json.Marshal(gin.H{"jobId": "job_1", "tier": "urgent"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/queue/jobs", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_DequeueEmpty(t *testing.T) {
	router, _ := setupQueueRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/queue/dequeue", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("Expected 204, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_CancelNotFound(t *testing.T) {
	router, _ := setupQueueRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest("DELETE", "/v1/queue/jobs/job_missing", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_Stats(t *testing.T) {
	router, q := setupQueueRouter()
	ctx := context.Background()

	q.Enqueue(ctx, Job{ID: "job_1", Tier: TierHigh})
	q.Enqueue(ctx, Job{ID: "job_2", Tier: TierHigh})
	q.Enqueue(ctx, Job{ID: "job_3", Tier: TierLow})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/queue/stats", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Total  int64            `json:"total"`
		ByTier map[string]int64 `json:"byTier"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Total != 3 || resp.ByTier["high"] != 2 || resp.ByTier["low"] != 1 || resp.ByTier["critical"] != 0 {
		t.Errorf("Unexpected stats: %+v", resp)
	}
}
