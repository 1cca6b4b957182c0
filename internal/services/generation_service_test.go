package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mirasi-app/go-mirasi-backend/internal/domain"
	"github.com/mirasi-app/go-mirasi-backend/internal/falqueue"
	"github.com/mirasi-app/go-mirasi-backend/internal/styles"
)

func strptr(s string) *string { return &s }

func pendingRow(id, userID, styleID string, subject domain.SubjectType) *domain.Generation {
	return &domain.Generation{
		ID:              id,
		UserID:          userID,
		StyleID:         styleID,
		SubjectType:     subject,
		SourceImagePath: userID + "/" + id + ".jpg",
		Status:          domain.StatusPending,
		CreatedAt:       time.Now().UTC().Add(-time.Minute),
	}
}

func processingRow(id, userID, styleID string, subject domain.SubjectType) *domain.Generation {
	g := pendingRow(id, userID, styleID, subject)
	g.Status = domain.StatusProcessing
	g.FalRequestID = strptr("req-" + id)
	return g
}

func newGenService(r *memGenRepo, pay *fakePayCounter, store *fakeStore, q *fakeQueue, cache TerminalCache) *GenerationService {
	return &GenerationService{
		Repo:          r,
		Payments:      pay,
		Store:         store,
		Queue:         q,
		Marker:        &fakeMarker{},
		Cache:         cache,
		Styles:        styles.NewRegistry(),
		SourceBucket:  "source-images",
		OutputBucket:  "generated-images",
		PreviewBucket: "preview-images",
		DefaultModel:  "fal-ai/flux-pulid",
		LoraModel:     "fal-ai/flux-lora",
		SignedURLTTL:  10 * time.Minute,
		DailyCap:      20,
		FreeLimit:     3,
	}
}

// ----- Submit -----

func TestSubmit_HumanUsesIdentityPipeline(t *testing.T) {
	// warli-art ships LoRA weights, but a human subject must never use them.
	r := newMemGenRepo(pendingRow("g1", "u1", "warli-art", domain.SubjectHuman))
	q := &fakeQueue{submitID: "req-1"}
	s := newGenService(r, &fakePayCounter{}, newFakeStore(), q, nil)

	g, err := s.Submit(context.Background(), "u1", "g1")
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if q.submitModel != "fal-ai/flux-pulid" {
		t.Fatalf("model = %q; want identity endpoint", q.submitModel)
	}
	if len(q.submitInput.Loras) != 0 {
		t.Fatalf("human subject submitted with LoRA weights")
	}
	if g.Status != domain.StatusProcessing {
		t.Fatalf("status = %q; want processing", g.Status)
	}
	if g.FalRequestID == nil || *g.FalRequestID != "req-1" {
		t.Fatalf("request id not recorded")
	}
	if g.PromptUsed == nil || !strings.Contains(*g.PromptUsed, "person") {
		t.Fatalf("human prompt variant not used: %v", g.PromptUsed)
	}
}

func TestSubmit_PetWithLoraStyleUsesLoraPipeline(t *testing.T) {
	r := newMemGenRepo(pendingRow("g1", "u1", "warli-art", domain.SubjectPet))
	q := &fakeQueue{submitID: "req-1"}
	s := newGenService(r, &fakePayCounter{}, newFakeStore(), q, nil)

	if _, err := s.Submit(context.Background(), "u1", "g1"); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if q.submitModel != "fal-ai/flux-lora" {
		t.Fatalf("model = %q; want lora endpoint", q.submitModel)
	}
	if len(q.submitInput.Loras) != 1 || q.submitInput.Loras[0].Path == "" {
		t.Fatalf("lora weights missing: %+v", q.submitInput.Loras)
	}
}

func TestSubmit_PetWithoutLoraStyleFallsBack(t *testing.T) {
	// pattachitra has no weights; pet subjects use the identity endpoint.
	r := newMemGenRepo(pendingRow("g1", "u1", "pattachitra", domain.SubjectPet))
	q := &fakeQueue{submitID: "req-1"}
	s := newGenService(r, &fakePayCounter{}, newFakeStore(), q, nil)

	if _, err := s.Submit(context.Background(), "u1", "g1"); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if q.submitModel != "fal-ai/flux-pulid" {
		t.Fatalf("model = %q; want identity endpoint", q.submitModel)
	}
}

func TestSubmit_SignsSourceImage(t *testing.T) {
	r := newMemGenRepo(pendingRow("g1", "u1", "warli-art", domain.SubjectHuman))
	q := &fakeQueue{submitID: "req-1"}
	store := newFakeStore()
	s := newGenService(r, &fakePayCounter{}, store, q, nil)

	if _, err := s.Submit(context.Background(), "u1", "g1"); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if !strings.HasPrefix(q.submitInput.ImageURL, "https://signed.example/source-images/") {
		t.Fatalf("image url = %q; want signed source url", q.submitInput.ImageURL)
	}
}

func TestSubmit_OwnershipAndState(t *testing.T) {
	r := newMemGenRepo(
		pendingRow("g1", "u1", "warli-art", domain.SubjectHuman),
		processingRow("g2", "u1", "warli-art", domain.SubjectHuman),
	)
	s := newGenService(r, &fakePayCounter{}, newFakeStore(), &fakeQueue{submitID: "x"}, nil)

	if _, err := s.Submit(context.Background(), "u1", "missing"); !errors.Is(err, ErrGenerationNotFound) {
		t.Fatalf("missing: got %v", err)
	}
	if _, err := s.Submit(context.Background(), "intruder", "g1"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("foreign row: got %v", err)
	}
	if _, err := s.Submit(context.Background(), "u1", "g2"); !errors.Is(err, ErrWrongState) {
		t.Fatalf("non-pending: got %v", err)
	}
}

func TestSubmit_DailyQuota(t *testing.T) {
	rows := []*domain.Generation{pendingRow("target", "u1", "warli-art", domain.SubjectHuman)}
	for i := 0; i < 5; i++ {
		g := processingRow("d"+string(rune('0'+i)), "u1", "warli-art", domain.SubjectHuman)
		g.CreatedAt = time.Now().Add(-time.Minute)
		rows = append(rows, g)
	}
	r := newMemGenRepo(rows...)
	s := newGenService(r, &fakePayCounter{n: 1}, newFakeStore(), &fakeQueue{submitID: "x"}, nil)
	s.DailyCap = 5

	// 5 non-failed today plus the pending target itself = 6 >= 5.
	_, err := s.Submit(context.Background(), "u1", "target")
	if !errors.Is(err, ErrDailyQuota) {
		t.Fatalf("expected ErrDailyQuota, got %v", err)
	}
}

func TestSubmit_FailedAttemptsDoNotConsumeDailyQuota(t *testing.T) {
	rows := []*domain.Generation{pendingRow("target", "u1", "warli-art", domain.SubjectHuman)}
	for i := 0; i < 5; i++ {
		g := processingRow("f"+string(rune('0'+i)), "u1", "warli-art", domain.SubjectHuman)
		g.Status = domain.StatusFailed
		rows = append(rows, g)
	}
	r := newMemGenRepo(rows...)
	s := newGenService(r, &fakePayCounter{n: 1}, newFakeStore(), &fakeQueue{submitID: "x"}, nil)
	s.DailyCap = 5

	if _, err := s.Submit(context.Background(), "u1", "target"); err != nil {
		t.Fatalf("failed rows should not count: %v", err)
	}
}

func TestSubmit_FreeTier(t *testing.T) {
	mk := func() *memGenRepo {
		return newMemGenRepo(
			pendingRow("target", "u1", "warli-art", domain.SubjectHuman),
			processingRow("a1", "u1", "warli-art", domain.SubjectHuman),
			processingRow("a2", "u1", "warli-art", domain.SubjectHuman),
			processingRow("a3", "u1", "warli-art", domain.SubjectHuman),
		)
	}

	// Never paid, three active generations: exhausted.
	s := newGenService(mk(), &fakePayCounter{}, newFakeStore(), &fakeQueue{submitID: "x"}, nil)
	if _, err := s.Submit(context.Background(), "u1", "target"); !errors.Is(err, ErrFreeTierExhausted) {
		t.Fatalf("expected ErrFreeTierExhausted, got %v", err)
	}

	// A single captured payment lifts the lifetime cap.
	s2 := newGenService(mk(), &fakePayCounter{n: 1}, newFakeStore(), &fakeQueue{submitID: "x"}, nil)
	if _, err := s2.Submit(context.Background(), "u1", "target"); err != nil {
		t.Fatalf("paid user blocked: %v", err)
	}
}

func TestSubmit_UpstreamFailureLeavesRowPending(t *testing.T) {
	r := newMemGenRepo(pendingRow("g1", "u1", "warli-art", domain.SubjectHuman))
	q := &fakeQueue{submitErr: errors.New("queue down")}
	s := newGenService(r, &fakePayCounter{}, newFakeStore(), q, nil)

	_, err := s.Submit(context.Background(), "u1", "g1")
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
	if got := r.row("g1").Status; got != domain.StatusPending {
		t.Fatalf("row status = %q; want pending for retry", got)
	}
}

// ----- Poll -----

func TestPoll_Pending(t *testing.T) {
	r := newMemGenRepo(pendingRow("g1", "u1", "warli-art", domain.SubjectHuman))
	q := &fakeQueue{}
	s := newGenService(r, &fakePayCounter{}, newFakeStore(), q, nil)

	resp, err := s.Poll(context.Background(), "u1", "g1")
	if err != nil {
		t.Fatalf("Poll error: %v", err)
	}
	if resp.Status != domain.StatusPending || resp.PreviewURL != "" {
		t.Fatalf("resp = %+v", resp)
	}
	if q.statusCalls != 0 {
		t.Fatalf("pending poll must not touch the queue")
	}
}

func TestPoll_ProcessingStillRunning(t *testing.T) {
	for _, st := range []falqueue.JobStatus{falqueue.StatusInQueue, falqueue.StatusInProgress} {
		r := newMemGenRepo(processingRow("g1", "u1", "warli-art", domain.SubjectHuman))
		q := &fakeQueue{status: st}
		s := newGenService(r, &fakePayCounter{}, newFakeStore(), q, nil)

		resp, err := s.Poll(context.Background(), "u1", "g1")
		if err != nil {
			t.Fatalf("%s: Poll error: %v", st, err)
		}
		if resp.Status != domain.StatusProcessing {
			t.Fatalf("%s: status = %q", st, resp.Status)
		}
	}
}

func TestPoll_UpstreamFailureMarksFailed(t *testing.T) {
	r := newMemGenRepo(processingRow("g1", "u1", "warli-art", domain.SubjectHuman))
	q := &fakeQueue{status: falqueue.StatusFailed}
	s := newGenService(r, &fakePayCounter{}, newFakeStore(), q, nil)

	resp, err := s.Poll(context.Background(), "u1", "g1")
	if err != nil {
		t.Fatalf("Poll error: %v", err)
	}
	if resp.Status != domain.StatusFailed || resp.Error == "" {
		t.Fatalf("resp = %+v", resp)
	}
	row := r.row("g1")
	if row.Status != domain.StatusFailed {
		t.Fatalf("row status = %q", row.Status)
	}
	if row.ErrorMessage == nil || *row.ErrorMessage != "generation failed upstream" {
		t.Fatalf("stored message = %v", row.ErrorMessage)
	}
}

func TestPoll_StatusErrorKeepsProcessing(t *testing.T) {
	r := newMemGenRepo(processingRow("g1", "u1", "warli-art", domain.SubjectHuman))
	q := &fakeQueue{statusErr: errors.New("502")}
	s := newGenService(r, &fakePayCounter{}, newFakeStore(), q, nil)

	_, err := s.Poll(context.Background(), "u1", "g1")
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
	if got := r.row("g1").Status; got != domain.StatusProcessing {
		t.Fatalf("transient error must not fail the row; status = %q", got)
	}
}

func TestPoll_CompletionPostProcess(t *testing.T) {
	r := newMemGenRepo(processingRow("g1", "u1", "warli-art", domain.SubjectHuman))
	q := &fakeQueue{
		status: falqueue.StatusCompleted,
		result: &falqueue.JobResult{Images: []falqueue.ResultImage{{URL: "https://cdn/out.jpg"}}},
		image:  []byte("hd-bytes"),
	}
	store := newFakeStore()
	s := newGenService(r, &fakePayCounter{}, store, q, nil)

	resp, err := s.Poll(context.Background(), "u1", "g1")
	if err != nil {
		t.Fatalf("Poll error: %v", err)
	}
	if resp.Status != domain.StatusCompleted {
		t.Fatalf("status = %q", resp.Status)
	}
	if resp.PreviewURL != "https://public.example/preview-images/g1-preview.jpg" {
		t.Fatalf("preview url = %q", resp.PreviewURL)
	}

	if !store.has("generated-images", "u1/g1-hd.jpg") {
		t.Fatalf("hd image not stored")
	}
	// The public preview is keyed by generation id alone, no user prefix.
	preview := store.objects["preview-images/g1-preview.jpg"]
	if !strings.HasPrefix(string(preview), "wm:") {
		t.Fatalf("preview not watermarked: %q", preview)
	}

	row := r.row("g1")
	if row.Status != domain.StatusCompleted || row.DurationMS == nil || row.CompletedAt == nil {
		t.Fatalf("row not completed: %+v", row)
	}
}

func TestPoll_NoOutputFails(t *testing.T) {
	r := newMemGenRepo(processingRow("g1", "u1", "warli-art", domain.SubjectHuman))
	q := &fakeQueue{status: falqueue.StatusCompleted, result: &falqueue.JobResult{}}
	s := newGenService(r, &fakePayCounter{}, newFakeStore(), q, nil)

	resp, err := s.Poll(context.Background(), "u1", "g1")
	if err != nil {
		t.Fatalf("Poll error: %v", err)
	}
	if resp.Status != domain.StatusFailed || resp.Error != "generation produced no output" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestPoll_StorageFailureFails(t *testing.T) {
	r := newMemGenRepo(processingRow("g1", "u1", "warli-art", domain.SubjectHuman))
	q := &fakeQueue{
		status: falqueue.StatusCompleted,
		result: &falqueue.JobResult{Images: []falqueue.ResultImage{{URL: "https://cdn/out.jpg"}}},
		image:  []byte("hd"),
	}
	store := newFakeStore()
	store.failUploadBucket = "generated-images"
	s := newGenService(r, &fakePayCounter{}, store, q, nil)

	resp, err := s.Poll(context.Background(), "u1", "g1")
	if err != nil {
		t.Fatalf("Poll error: %v", err)
	}
	if resp.Status != domain.StatusFailed {
		t.Fatalf("resp = %+v", resp)
	}
	// The user-facing message stays generic.
	if strings.Contains(resp.Error, "refused") {
		t.Fatalf("raw upstream detail leaked: %q", resp.Error)
	}
}

func TestPoll_LostCompletionRaceDefersToWinner(t *testing.T) {
	r := newMemGenRepo(processingRow("g1", "u1", "warli-art", domain.SubjectHuman))
	q := &fakeQueue{
		status: falqueue.StatusCompleted,
		result: &falqueue.JobResult{Images: []falqueue.ResultImage{{URL: "https://cdn/out.jpg"}}},
		image:  []byte("hd"),
	}
	// While this poll is downloading, a concurrent poll completes the row.
	q.fetchHook = func() {
		_ = r.MarkCompleted(context.Background(), nil, "g1", "u1/g1-hd.jpg", "u1/g1-preview.jpg", time.Second, time.Now().UTC())
	}
	s := newGenService(r, &fakePayCounter{}, newFakeStore(), q, nil)

	resp, err := s.Poll(context.Background(), "u1", "g1")
	if err != nil {
		t.Fatalf("Poll error: %v", err)
	}
	if resp.Status != domain.StatusCompleted {
		t.Fatalf("status = %q; want winner's completed", resp.Status)
	}
	if r.markCompletedCalls != 2 {
		t.Fatalf("expected exactly one winning and one stale update, got %d", r.markCompletedCalls)
	}
}

func TestPoll_TerminalShortCircuit(t *testing.T) {
	g := processingRow("g1", "u1", "warli-art", domain.SubjectHuman)
	g.Status = domain.StatusCompleted
	g.PreviewImagePath = strptr("u1/g1-preview.jpg")
	r := newMemGenRepo(g)
	q := &fakeQueue{}
	s := newGenService(r, &fakePayCounter{}, newFakeStore(), q, nil)

	for i := 0; i < 3; i++ {
		resp, err := s.Poll(context.Background(), "u1", "g1")
		if err != nil {
			t.Fatalf("Poll error: %v", err)
		}
		if resp.Status != domain.StatusCompleted || resp.PreviewURL == "" {
			t.Fatalf("resp = %+v", resp)
		}
	}
	if q.statusCalls != 0 || q.resultCalls != 0 {
		t.Fatalf("terminal polls hit the queue: %d/%d", q.statusCalls, q.resultCalls)
	}
}

func TestPoll_TerminalResponseCached(t *testing.T) {
	g := processingRow("g1", "u1", "warli-art", domain.SubjectHuman)
	g.Status = domain.StatusFailed
	g.ErrorMessage = strptr("generation failed upstream")
	r := newMemGenRepo(g)
	cache := newFakeCache()
	s := newGenService(r, &fakePayCounter{}, newFakeStore(), &fakeQueue{}, cache)

	if _, err := s.Poll(context.Background(), "u1", "g1"); err != nil {
		t.Fatalf("first poll: %v", err)
	}
	if cache.puts != 1 {
		t.Fatalf("terminal response not cached")
	}

	resp, err := s.Poll(context.Background(), "u1", "g1")
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if cache.hits != 1 {
		t.Fatalf("second poll missed the cache")
	}
	if resp.Status != domain.StatusFailed || resp.Error != "generation failed upstream" {
		t.Fatalf("cached resp = %+v", resp)
	}
}

func TestPoll_Ownership(t *testing.T) {
	r := newMemGenRepo(processingRow("g1", "u1", "warli-art", domain.SubjectHuman))
	s := newGenService(r, &fakePayCounter{}, newFakeStore(), &fakeQueue{}, nil)

	if _, err := s.Poll(context.Background(), "intruder", "g1"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if _, err := s.Poll(context.Background(), "u1", "missing"); !errors.Is(err, ErrGenerationNotFound) {
		t.Fatalf("expected ErrGenerationNotFound, got %v", err)
	}
}

// ----- Redact / ListPage -----

func TestRedact_ClearsPathsAndObjects(t *testing.T) {
	g := processingRow("g1", "u1", "warli-art", domain.SubjectHuman)
	g.Status = domain.StatusCompleted
	g.GeneratedImagePath = strptr("u1/g1-hd.jpg")
	g.PreviewImagePath = strptr("u1/g1-preview.jpg")
	r := newMemGenRepo(g)
	store := newFakeStore()
	cache := newFakeCache()
	cache.Put(context.Background(), "g1", &StatusResponse{Status: domain.StatusCompleted})
	s := newGenService(r, &fakePayCounter{}, store, &fakeQueue{}, cache)

	if err := s.Redact(context.Background(), "u1", "g1"); err != nil {
		t.Fatalf("Redact error: %v", err)
	}
	row := r.row("g1")
	if row.SourceImagePath != "" || row.GeneratedImagePath != nil || row.PreviewImagePath != nil {
		t.Fatalf("paths not cleared: %+v", row)
	}
	if row.Status != domain.StatusCompleted {
		t.Fatalf("redaction must preserve status, got %q", row.Status)
	}
	if len(store.removed) != 3 {
		t.Fatalf("expected 3 object removals, got %v", store.removed)
	}
	var cached StatusResponse
	if cache.Get(context.Background(), "g1", &cached) {
		t.Fatalf("cache entry not invalidated")
	}
}

func TestListPage_Defaults(t *testing.T) {
	r := newMemGenRepo(
		pendingRow("g1", "u1", "warli-art", domain.SubjectHuman),
		pendingRow("g2", "u1", "madhubani", domain.SubjectHuman),
		pendingRow("g3", "someone-else", "warli-art", domain.SubjectHuman),
	)
	s := newGenService(r, &fakePayCounter{}, newFakeStore(), &fakeQueue{}, nil)

	items, total, err := s.ListPage(context.Background(), "u1", 0, 0)
	if err != nil {
		t.Fatalf("ListPage error: %v", err)
	}
	if total != 2 || len(items) != 2 {
		t.Fatalf("total/len = %d/%d; want 2/2", total, len(items))
	}

	items, total, err = s.ListPage(context.Background(), "nobody", 1, 10)
	if err != nil {
		t.Fatalf("ListPage error: %v", err)
	}
	if total != 0 || len(items) != 0 {
		t.Fatalf("expected empty page, got %d/%d", total, len(items))
	}
}
