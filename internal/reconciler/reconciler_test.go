package reconciler_test

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/weiawesome/market-chat/internal/activity"
	"github.com/weiawesome/market-chat/internal/config"
	"github.com/weiawesome/market-chat/internal/docstore"
	"github.com/weiawesome/market-chat/internal/domain"
	"github.com/weiawesome/market-chat/internal/metrics"
	"github.com/weiawesome/market-chat/internal/reconciler"
	"github.com/weiawesome/market-chat/internal/repository"
)

type noProfiles struct{}

func (noProfiles) Get(context.Context, string) (domain.UserProfile, error) {
	return domain.UserProfile{}, domain.ErrNotFound
}

func (noProfiles) GetMany(context.Context, []string) map[string]domain.UserProfile {
	return map[string]domain.UserProfile{}
}

var _ = Describe("Reconciler", func() {
	var (
		ctx   context.Context
		store *docstore.MemoryStore
		act   *activity.MemoryStore
		m     *metrics.Metrics
		repo  repository.ConversationRepository
		clock *clockwork.FakeClock
		rec   *reconciler.Reconciler
		id    string
	)

	unreadOf := func(owner string) int {
		doc, err := store.Get(ctx, repository.UserChatsPath(owner), id)
		Expect(err).NotTo(HaveOccurred())
		return repository.RefFromDoc(owner, *doc).UnreadCount
	}

	corrupt := func(owner string, n int64) {
		Expect(store.Update(ctx, repository.UserChatsPath(owner), id, docstore.Fields{repository.FieldUnreadCount: n})).To(Succeed())
	}

	BeforeEach(func() {
		ctx = context.Background()
		store = docstore.NewMemoryStore()
		act = activity.NewMemoryStore()
		m = metrics.New(prometheus.NewRegistry())
		repo = repository.NewConversationRepository(store, noProfiles{}, nil, act, m, repository.Config{})
		clock = clockwork.NewFakeClock()
		rec = reconciler.New(act, repo, m, clock, config.ReconcilerConfig{Interval: time.Minute, TopN: 10})

		var err error
		id, err = repo.FindOrCreate(ctx, "alice", "bob", "prod1")
		Expect(err).NotTo(HaveOccurred())
		_, _ = repo.SendMessage(ctx, id, "alice", "one")
		_, _ = repo.SendMessage(ctx, id, "alice", "two")
	})

	It("repairs drifted counters that saw activity", func() {
		corrupt("bob", 9)

		Expect(rec.Reconcile(ctx)).To(Equal(1))
		Expect(unreadOf("bob")).To(Equal(2))
		Expect(testutil.ToFloat64(m.UnreadRepaired)).To(Equal(1.0))
	})

	It("leaves counts cleared by a reply alone", func() {
		_, _ = repo.SendMessage(ctx, id, "bob", "reply")
		Expect(unreadOf("bob")).To(BeZero())

		Expect(rec.Reconcile(ctx)).To(BeZero())
		Expect(unreadOf("bob")).To(BeZero())
		Expect(unreadOf("alice")).To(Equal(1))
		Expect(testutil.ToFloat64(m.UnreadRepaired)).To(BeZero())
	})

	It("resets activity after a pass", func() {
		rec.Reconcile(ctx)
		pairs, err := act.Top(ctx, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(pairs).To(BeEmpty())

		corrupt("bob", 9)
		Expect(rec.Reconcile(ctx)).To(BeZero())
		Expect(unreadOf("bob")).To(Equal(9))
	})

	It("runs on every tick until stopped", func() {
		corrupt("bob", 5)
		rec.Start(ctx)

		wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		Expect(clock.BlockUntilContext(wctx, 1)).To(Succeed())
		clock.Advance(time.Minute)

		Eventually(func() int { return unreadOf("bob") }).Should(Equal(2))

		rec.Stop()
		Eventually(rec.Done()).Should(BeClosed())
	})
})
