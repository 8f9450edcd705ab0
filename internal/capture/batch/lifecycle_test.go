package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/snapforge/engine/internal/common/config"
	"github.com/snapforge/engine/pkg/types"
)

var errUnreachable = errors.New("navigation failed: host unreachable")

func testClassify(err error) string {
	if errors.Is(err, errUnreachable) {
		return types.KindNavigateUnreachable
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return types.KindDeadlineExceeded
	}
	return types.KindInternal
}

// captureScript routes capture calls by URL substring: URLs containing
// "fail" error out, URLs containing "slow" park until the context ends.
// Start order is recorded for ordering assertions.
func captureScript(starts *[]string, mu *sync.Mutex) CaptureFunc {
	return func(ctx context.Context, req types.ScreenshotRequest, useCache bool) (string, error) {
		mu.Lock()
		*starts = append(*starts, req.URL)
		mu.Unlock()

		if strings.Contains(req.URL, "slow") {
			<-ctx.Done()
			return "", ctx.Err()
		}
		if strings.Contains(req.URL, "fail") {
			return "", errUnreachable
		}
		return "https://artifacts.test/" + req.Format + "/capture", nil
	}
}

func batchConfig(dir string) *config.BatchConfig {
	return &config.BatchConfig{
		PersistenceEnabled: dir != "",
		PersistenceDir:     dir,
		JobTTL:             time.Hour,
		DefaultParallel:    3,
	}
}

func newManagerForTest(cfg *config.BatchConfig, capture CaptureFunc) (*Manager, *Store) {
	store, err := NewStore(cfg, zap.NewNop())
	Expect(err).NotTo(HaveOccurred())
	m := NewManager(cfg, 5*time.Second, store, capture, testClassify, zap.NewNop())
	m.notifier.initialBackoff = time.Millisecond
	return m, store
}

func awaitTerminal(m *Manager, jobID string) *types.Job {
	var job *types.Job
	Eventually(func() bool {
		j, ok := m.Job(jobID)
		if !ok {
			return false
		}
		job = j
		return j.Status.Terminal()
	}).WithTimeout(5 * time.Second).WithPolling(10 * time.Millisecond).Should(BeTrue())
	return job
}

func itemByID(job *types.Job, id string) types.JobItem {
	for _, item := range job.Items {
		if item.ID == id {
			return item
		}
	}
	Fail("item " + id + " not found")
	return types.JobItem{}
}

var _ = Describe("Batch job lifecycle", func() {
	var (
		startMu sync.Mutex
		starts  []string
	)

	BeforeEach(func() {
		starts = nil
	})

	Context("aggregation", func() {
		It("completes when every item succeeds", func() {
			m, _ := newManagerForTest(batchConfig(""), captureScript(&starts, &startMu))
			defer m.Shutdown(context.Background())

			job, err := m.Submit(&types.BatchRequest{
				Items: []types.BatchItemSpec{
					{ID: "a", URL: "https://example.com/a"},
					{ID: "b", URL: "https://example.com/b"},
				},
				Options: types.BatchOptions{Parallel: 2},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(job.Status).To(Equal(types.JobStatusQueued))
			Expect(job.JobID).To(HavePrefix("batch-"))
			Expect(job.JobID).To(HaveLen(len("batch-") + 8))

			final := awaitTerminal(m, job.JobID)
			Expect(final.Status).To(Equal(types.JobStatusCompleted))
			Expect(final.CompletedAt).NotTo(BeNil())

			for _, item := range final.Items {
				Expect(item.Status).To(Equal(types.ItemStatusCompleted))
				Expect(item.ResultURL).NotTo(BeEmpty())
				Expect(item.DurationMS).To(BeNumerically(">=", 0))
			}
		})

		It("reports partial when successes and failures mix", func() {
			m, _ := newManagerForTest(batchConfig(""), captureScript(&starts, &startMu))
			defer m.Shutdown(context.Background())

			By("Submitting four items, two of which fail")
			job, err := m.Submit(&types.BatchRequest{
				Items: []types.BatchItemSpec{
					{ID: "ok-1", URL: "https://example.com/one"},
					{ID: "bad-1", URL: "https://example.com/fail/one"},
					{ID: "ok-2", URL: "https://example.com/two"},
					{ID: "bad-2", URL: "https://example.com/fail/two"},
				},
				Options: types.BatchOptions{Parallel: 2},
			})
			Expect(err).NotTo(HaveOccurred())

			final := awaitTerminal(m, job.JobID)

			By("Verifying aggregate status and counters")
			Expect(final.Status).To(Equal(types.JobStatusPartial))
			completed, failed, cancelled, pending := final.Counts()
			Expect(completed).To(Equal(2))
			Expect(failed).To(Equal(2))
			Expect(cancelled).To(Equal(0))
			Expect(pending).To(Equal(0))

			By("Verifying per-item outcomes")
			Expect(itemByID(final, "ok-1").Status).To(Equal(types.ItemStatusCompleted))
			Expect(itemByID(final, "ok-2").Status).To(Equal(types.ItemStatusCompleted))
			bad := itemByID(final, "bad-1")
			Expect(bad.Status).To(Equal(types.ItemStatusFailed))
			Expect(bad.ErrorKind).To(Equal(types.KindNavigateUnreachable))
			Expect(bad.Error).NotTo(BeEmpty())
		})

		It("fails when every item fails", func() {
			m, _ := newManagerForTest(batchConfig(""), captureScript(&starts, &startMu))
			defer m.Shutdown(context.Background())

			job, err := m.Submit(&types.BatchRequest{
				Items: []types.BatchItemSpec{
					{ID: "bad-1", URL: "https://example.com/fail/1"},
					{ID: "bad-2", URL: "https://example.com/fail/2"},
				},
			})
			Expect(err).NotTo(HaveOccurred())

			final := awaitTerminal(m, job.JobID)
			Expect(final.Status).To(Equal(types.JobStatusFailed))
		})

		It("starts items in submission order", func() {
			m, _ := newManagerForTest(batchConfig(""), captureScript(&starts, &startMu))
			defer m.Shutdown(context.Background())

			urls := []string{
				"https://example.com/1",
				"https://example.com/2",
				"https://example.com/3",
				"https://example.com/4",
			}
			items := make([]types.BatchItemSpec, len(urls))
			for i, u := range urls {
				items[i] = types.BatchItemSpec{ID: fmt.Sprintf("i%d", i), URL: u}
			}

			job, err := m.Submit(&types.BatchRequest{
				Items:   items,
				Options: types.BatchOptions{Parallel: 1},
			})
			Expect(err).NotTo(HaveOccurred())
			awaitTerminal(m, job.JobID)

			startMu.Lock()
			defer startMu.Unlock()
			Expect(starts).To(Equal(urls))
		})
	})

	Context("fail-fast", func() {
		It("cancels remaining items after the first failure", func() {
			m, _ := newManagerForTest(batchConfig(""), captureScript(&starts, &startMu))
			defer m.Shutdown(context.Background())

			job, err := m.Submit(&types.BatchRequest{
				Items: []types.BatchItemSpec{
					{ID: "ok", URL: "https://example.com/good"},
					{ID: "bad", URL: "https://example.com/fail"},
					{ID: "never-1", URL: "https://example.com/later/1"},
					{ID: "never-2", URL: "https://example.com/later/2"},
				},
				Options: types.BatchOptions{Parallel: 1, FailFast: true},
			})
			Expect(err).NotTo(HaveOccurred())

			final := awaitTerminal(m, job.JobID)

			Expect(final.Status).To(Equal(types.JobStatusFailed))
			Expect(final.FailureReason).To(Equal("fail_fast"))
			Expect(itemByID(final, "ok").Status).To(Equal(types.ItemStatusCompleted))
			Expect(itemByID(final, "bad").Status).To(Equal(types.ItemStatusFailed))
			Expect(itemByID(final, "never-1").Status).To(Equal(types.ItemStatusCancelled))
			Expect(itemByID(final, "never-2").Status).To(Equal(types.ItemStatusCancelled))

			By("Verifying the cancelled items never started")
			startMu.Lock()
			defer startMu.Unlock()
			Expect(starts).To(HaveLen(2))
		})

		It("cancels an in-flight sibling", func() {
			m, _ := newManagerForTest(batchConfig(""), captureScript(&starts, &startMu))
			defer m.Shutdown(context.Background())

			By("Running a slow item next to a failing one with parallel=2")
			job, err := m.Submit(&types.BatchRequest{
				Items: []types.BatchItemSpec{
					{ID: "slow", URL: "https://example.com/slow"},
					{ID: "bad", URL: "https://example.com/fail"},
				},
				Options: types.BatchOptions{Parallel: 2, FailFast: true},
			})
			Expect(err).NotTo(HaveOccurred())

			final := awaitTerminal(m, job.JobID)
			Expect(final.Status).To(Equal(types.JobStatusFailed))
			Expect(itemByID(final, "slow").Status).To(Equal(types.ItemStatusCancelled))
			Expect(itemByID(final, "bad").Status).To(Equal(types.ItemStatusFailed))
		})
	})

	Context("webhook delivery", func() {
		It("posts the terminal payload with the auth header", func() {
			var gotAuth atomic.Value
			var payload types.WebhookPayload
			var payloadMu sync.Mutex
			received := make(chan struct{}, 1)

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotAuth.Store(r.Header.Get("Authorization"))
				payloadMu.Lock()
				_ = json.NewDecoder(r.Body).Decode(&payload)
				payloadMu.Unlock()
				w.WriteHeader(http.StatusOK)
				select {
				case received <- struct{}{}:
				default:
				}
			}))
			defer srv.Close()

			m, _ := newManagerForTest(batchConfig(""), captureScript(&starts, &startMu))
			defer m.Shutdown(context.Background())

			job, err := m.Submit(&types.BatchRequest{
				Items: []types.BatchItemSpec{
					{ID: "a", URL: "https://example.com/a"},
					{ID: "b", URL: "https://example.com/fail"},
				},
				Options: types.BatchOptions{
					WebhookURL:        srv.URL,
					WebhookAuthHeader: "Bearer sekrit",
				},
			})
			Expect(err).NotTo(HaveOccurred())

			Eventually(received).WithTimeout(5 * time.Second).Should(Receive())
			Expect(gotAuth.Load()).To(Equal("Bearer sekrit"))

			payloadMu.Lock()
			defer payloadMu.Unlock()
			Expect(payload.JobID).To(Equal(job.JobID))
			Expect(payload.Status).To(Equal(types.JobStatusPartial))
			Expect(payload.Total).To(Equal(2))
			Expect(payload.Completed).To(Equal(1))
			Expect(payload.Failed).To(Equal(1))
			Expect(payload.Items).To(HaveLen(2))
		})

		It("retries failed deliveries with backoff", func() {
			var calls atomic.Int64
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if calls.Add(1) < 3 {
					w.WriteHeader(http.StatusBadGateway)
					return
				}
				w.WriteHeader(http.StatusNoContent)
			}))
			defer srv.Close()

			n := NewNotifier(zap.NewNop())
			n.initialBackoff = time.Millisecond

			err := n.Notify(context.Background(), srv.URL, "", types.WebhookPayload{JobID: "batch-test"})
			Expect(err).NotTo(HaveOccurred())
			Expect(calls.Load()).To(Equal(int64(3)))
		})

		It("gives up after the retry budget", func() {
			var calls atomic.Int64
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(http.StatusInternalServerError)
			}))
			defer srv.Close()

			n := NewNotifier(zap.NewNop())
			n.initialBackoff = time.Millisecond

			err := n.Notify(context.Background(), srv.URL, "", types.WebhookPayload{JobID: "batch-test"})
			Expect(err).To(HaveOccurred())
			Expect(calls.Load()).To(Equal(int64(1 + webhookMaxRetries)))
		})
	})

	Context("persistence", func() {
		It("round-trips a job file through the store", func() {
			dir := GinkgoT().TempDir()

			store, err := NewStore(batchConfig(dir), zap.NewNop())
			Expect(err).NotTo(HaveOccurred())

			started := time.Now().UTC().Add(-time.Minute)
			completedAt := time.Now().UTC()
			cache := true
			job := &types.Job{
				JobID:  "batch-0badcafe",
				UID:    "0badcafe-0000-4000-8000-00000000beef",
				Status: types.JobStatusPartial,
				Items: []types.JobItem{
					{
						ID: "a", URL: "https://example.com/a", Format: "png", Width: 1280, Height: 720,
						Status: types.ItemStatusCompleted, ResultURL: "https://artifacts.test/a.png",
						StartedAt: &started, CompletedAt: &completedAt, DurationMS: 812,
					},
					{
						ID: "b", URL: "https://example.com/b", Format: "jpeg", Width: 800, Height: 600,
						Status: types.ItemStatusFailed, ErrorKind: types.KindNavigateTimeout,
						Error: "navigation timed out", StartedAt: &started, CompletedAt: &completedAt, DurationMS: 9000,
					},
				},
				Options: types.BatchOptions{
					Parallel: 2, FailFast: false, ItemTimeout: 30, CacheEnabled: &cache,
					WebhookURL: "https://hooks.test/cb", WebhookAuthHeader: "Bearer x",
				},
				CreatedAt:   time.Now().UTC().Add(-2 * time.Minute),
				StartedAt:   &started,
				CompletedAt: &completedAt,
			}
			Expect(store.Create(job)).To(Succeed())

			By("Reloading through a fresh store")
			reloaded, err := NewStore(batchConfig(dir), zap.NewNop())
			Expect(err).NotTo(HaveOccurred())

			got, ok := reloaded.Get(job.JobID)
			Expect(ok).To(BeTrue())
			Expect(got).To(Equal(job))
		})

		It("closes out interrupted jobs on startup", func() {
			dir := GinkgoT().TempDir()

			store, err := NewStore(batchConfig(dir), zap.NewNop())
			Expect(err).NotTo(HaveOccurred())

			started := time.Now().UTC()
			job := &types.Job{
				JobID:  "batch-11223344",
				UID:    "11223344-0000-4000-8000-000000000000",
				Status: types.JobStatusProcessing,
				Items: []types.JobItem{
					{ID: "done", URL: "https://example.com/1", Status: types.ItemStatusCompleted, ResultURL: "https://artifacts.test/1.png"},
					{ID: "mid", URL: "https://example.com/2", Status: types.ItemStatusProcessing, StartedAt: &started},
					{ID: "todo", URL: "https://example.com/3", Status: types.ItemStatusPending},
				},
				CreatedAt: time.Now().UTC(),
				StartedAt: &started,
			}
			Expect(store.Create(job)).To(Succeed())

			By("Simulating a restart")
			recovered, err := NewStore(batchConfig(dir), zap.NewNop())
			Expect(err).NotTo(HaveOccurred())

			got, ok := recovered.Get(job.JobID)
			Expect(ok).To(BeTrue())
			Expect(got.Status).To(Equal(types.JobStatusFailed))
			Expect(got.FailureReason).To(Equal(types.ReasonRestartInterrupted))
			Expect(got.CompletedAt).NotTo(BeNil())

			By("Keeping finished item results")
			Expect(itemByID(got, "done").Status).To(Equal(types.ItemStatusCompleted))
			Expect(itemByID(got, "done").ResultURL).To(Equal("https://artifacts.test/1.png"))

			By("Failing the item that was mid-capture")
			Expect(itemByID(got, "mid").Status).To(Equal(types.ItemStatusFailed))
			Expect(itemByID(got, "mid").Error).To(Equal(types.ReasonRestartInterrupted))

			By("Cancelling the item that never started")
			Expect(itemByID(got, "todo").Status).To(Equal(types.ItemStatusCancelled))

			By("Persisting the closed-out record")
			third, err := NewStore(batchConfig(dir), zap.NewNop())
			Expect(err).NotTo(HaveOccurred())
			again, ok := third.Get(job.JobID)
			Expect(ok).To(BeTrue())
			Expect(again.Status).To(Equal(types.JobStatusFailed))
		})

		It("leaves shutdown jobs for the next startup to close out", func() {
			dir := GinkgoT().TempDir()

			m, _ := newManagerForTest(batchConfig(dir), captureScript(&starts, &startMu))

			job, err := m.Submit(&types.BatchRequest{
				Items: []types.BatchItemSpec{
					{ID: "quick", URL: "https://example.com/a"},
					{ID: "stuck", URL: "https://example.com/slow"},
					{ID: "waiting", URL: "https://example.com/b"},
				},
				Options: types.BatchOptions{Parallel: 1},
			})
			Expect(err).NotTo(HaveOccurred())

			By("Waiting for the slow item to start")
			Eventually(func() types.ItemStatus {
				j, ok := m.Job(job.JobID)
				if !ok {
					return ""
				}
				return itemByID(j, "stuck").Status
			}).WithTimeout(5 * time.Second).WithPolling(10 * time.Millisecond).Should(Equal(types.ItemStatusProcessing))

			By("Shutting the manager down mid-job")
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			Expect(m.Shutdown(ctx)).To(Succeed())

			By("Verifying the job did not reach a terminal status in this process")
			snapshot, ok := m.Job(job.JobID)
			Expect(ok).To(BeTrue())
			Expect(snapshot.Status).To(Equal(types.JobStatusProcessing))
			Expect(itemByID(snapshot, "quick").Status).To(Equal(types.ItemStatusCompleted))

			By("Recovering on restart")
			recovered, err := NewStore(batchConfig(dir), zap.NewNop())
			Expect(err).NotTo(HaveOccurred())
			got, ok := recovered.Get(job.JobID)
			Expect(ok).To(BeTrue())
			Expect(got.Status).To(Equal(types.JobStatusFailed))
			Expect(got.FailureReason).To(Equal(types.ReasonRestartInterrupted))
			Expect(itemByID(got, "quick").Status).To(Equal(types.ItemStatusCompleted))
			Expect(itemByID(got, "quick").ResultURL).NotTo(BeEmpty())
			Expect(itemByID(got, "waiting").Status).To(Equal(types.ItemStatusCancelled))
		})

		It("rejects submissions after shutdown", func() {
			m, _ := newManagerForTest(batchConfig(""), captureScript(&starts, &startMu))
			Expect(m.Shutdown(context.Background())).To(Succeed())

			_, err := m.Submit(&types.BatchRequest{
				Items: []types.BatchItemSpec{{ID: "a", URL: "https://example.com"}},
			})
			Expect(err).To(MatchError(ErrShutdown))
		})
	})

	Context("purge", func() {
		It("removes expired terminal jobs from memory and disk", func() {
			dir := GinkgoT().TempDir()
			cfg := batchConfig(dir)
			cfg.JobTTL = 50 * time.Millisecond

			store, err := NewStore(cfg, zap.NewNop())
			Expect(err).NotTo(HaveOccurred())

			old := time.Now().UTC().Add(-time.Minute)
			expired := &types.Job{
				JobID:       "batch-deadbeef",
				UID:         "deadbeef-0000-4000-8000-000000000000",
				Status:      types.JobStatusCompleted,
				Items:       []types.JobItem{{ID: "a", URL: "https://example.com", Status: types.ItemStatusCompleted}},
				CreatedAt:   old,
				CompletedAt: &old,
			}
			Expect(store.Create(expired)).To(Succeed())

			fresh := &types.Job{
				JobID:     "batch-a1b2c3d4",
				UID:       "a1b2c3d4-0000-4000-8000-000000000000",
				Status:    types.JobStatusProcessing,
				Items:     []types.JobItem{{ID: "a", URL: "https://example.com", Status: types.ItemStatusProcessing}},
				CreatedAt: old,
			}
			Expect(store.Create(fresh)).To(Succeed())

			Expect(store.PurgeExpired()).To(Equal(1))

			By("Verifying the expired job is gone")
			_, ok := store.Get(expired.JobID)
			Expect(ok).To(BeFalse())
			_, err = os.Stat(store.jobPath(expired.JobID))
			Expect(os.IsNotExist(err)).To(BeTrue())

			By("Verifying the active job survives regardless of age")
			_, ok = store.Get(fresh.JobID)
			Expect(ok).To(BeTrue())
		})
	})
})
