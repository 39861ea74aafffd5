package realtime_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/weiawesome/market-chat/internal/docstore"
	"github.com/weiawesome/market-chat/internal/domain"
	"github.com/weiawesome/market-chat/internal/metrics"
	"github.com/weiawesome/market-chat/internal/realtime"
	"github.com/weiawesome/market-chat/internal/repository"
)

var _ = Describe("Session", func() {
	var (
		ctx     context.Context
		store   *scriptedStore
		repo    repository.ConversationRepository
		calls   *trackerCalls
		m       *metrics.Metrics
		coord   *realtime.Coordinator
		sink    *recordingSink
		session *realtime.Session
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = &scriptedStore{MemoryStore: docstore.NewMemoryStore()}
		profiles := staticProfiles{
			"alice": {ID: "alice", Name: "Alice"},
			"bob":   {ID: "bob", Name: "Bob"},
			"carol": {ID: "carol", Name: "Carol"},
		}
		repo = repository.NewConversationRepository(store, profiles, nil, nil, nil, repository.Config{})
		calls = &trackerCalls{}
		m = metrics.New(prometheus.NewRegistry())
		coord = realtime.NewCoordinator(store, repo, calls, m)
		sink = newRecordingSink()
		session = coord.NewSession("bob", sink)
		DeferCleanup(session.Close)
	})

	Describe("conversation list", func() {
		It("publishes the initial list and later changes, newest first", func() {
			first, _ := repo.FindOrCreate(ctx, "alice", "bob", "prod1")
			second, _ := repo.FindOrCreate(ctx, "carol", "bob", "prod2")

			Expect(session.ListState()).To(Equal(realtime.Unsubscribed))
			Expect(session.WatchList(ctx)).To(Succeed())
			Eventually(session.ListState).Should(Equal(realtime.Active))
			Eventually(sink.ListUpdates).Should(Equal(1))
			Expect(sink.LastList()).To(HaveLen(2))

			_, err := repo.SendMessage(ctx, first, "alice", "hello bob")
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() string {
				list := sink.LastList()
				if len(list) == 0 {
					return ""
				}
				return list[0].LastMessage
			}).Should(Equal("hello bob"))

			list := sink.LastList()
			Expect(list[0].ConversationID).To(Equal(first))
			Expect(list[0].OtherUser.Name).To(Equal("Alice"))
			Expect(list[0].UnreadCount).To(Equal(1))
			Expect(list[1].ConversationID).To(Equal(second))
		})

		It("stops publishing once unwatched", func() {
			id, _ := repo.FindOrCreate(ctx, "alice", "bob", "prod1")
			Expect(session.WatchList(ctx)).To(Succeed())
			Eventually(sink.ListUpdates).Should(Equal(1))

			session.UnwatchList()
			session.UnwatchList()
			Expect(session.ListState()).To(Equal(realtime.Unsubscribed))

			_, _ = repo.SendMessage(ctx, id, "alice", "anyone?")
			Consistently(sink.ListUpdates, "100ms", "10ms").Should(Equal(1))
		})

		It("treats a second watch as a no-op", func() {
			sub := store.Script(repository.UserChatsPath("bob"))
			Expect(session.WatchList(ctx)).To(Succeed())
			Expect(session.WatchList(ctx)).To(Succeed())
			Expect(testutil.ToFloat64(m.Subscriptions.WithLabelValues(realtime.KindList))).To(Equal(1.0))

			session.UnwatchList()
			Expect(sub.Cancelled()).To(BeTrue())
			Expect(testutil.ToFloat64(m.Subscriptions.WithLabelValues(realtime.KindList))).To(Equal(0.0))
		})

		It("moves to error and back on subscription failures", func() {
			sub := store.Script(repository.UserChatsPath("bob"))
			Expect(session.WatchList(ctx)).To(Succeed())
			Expect(session.ListState()).To(Equal(realtime.Subscribing))

			sub.Push(docstore.ChangeBatch{Snapshot: true})
			Eventually(session.ListState).Should(Equal(realtime.Active))

			sub.Push(docstore.ChangeBatch{Err: docstore.ErrUnavailable})
			Eventually(session.ListState).Should(Equal(realtime.Error))
			Eventually(sink.Errors).Should(HaveLen(1))
			e := sink.Errors()[0]
			Expect(e.Kind).To(Equal(realtime.KindList))
			Expect(errors.Is(e.Err, domain.ErrNetwork)).To(BeTrue())
			Expect(errors.Is(e.Err, docstore.ErrUnavailable)).To(BeTrue())

			sub.Push(docstore.ChangeBatch{Docs: []docstore.Doc{{
				ID:     "c1",
				Fields: docstore.Fields{"chatId": "c1", "otherUserId": "alice", "unreadCount": 3},
			}}})
			Eventually(session.ListState).Should(Equal(realtime.Active))
			Eventually(sink.LastList).Should(HaveLen(1))
			Expect(sink.LastList()[0].UnreadBadge).To(Equal("3"))
		})

		It("runs no callback after cancel, even one already queued", func() {
			sub := store.Script(repository.UserChatsPath("bob"))
			sink.entered = make(chan struct{})
			sink.release = make(chan struct{})
			Expect(session.WatchList(ctx)).To(Succeed())

			sub.Push(docstore.ChangeBatch{Snapshot: true})
			Eventually(sink.entered).Should(Receive())

			// Queued behind the delivery in progress.
			sub.Push(docstore.ChangeBatch{})

			cancelled := make(chan struct{})
			go func() {
				session.UnwatchList()
				close(cancelled)
			}()
			Consistently(cancelled, "50ms").ShouldNot(BeClosed())

			close(sink.release)
			Eventually(cancelled).Should(BeClosed())
			Expect(sink.ListUpdates()).To(Equal(1))
			Consistently(sink.ListUpdates, "100ms", "10ms").Should(Equal(1))
		})
	})

	Describe("message list", func() {
		var id string

		BeforeEach(func() {
			id, _ = repo.FindOrCreate(ctx, "alice", "bob", "prod1")
		})

		It("resets unread on open and streams sorted messages", func() {
			_, _ = repo.SendMessage(ctx, id, "alice", "one")
			_, _ = repo.SendMessage(ctx, id, "alice", "two")

			Expect(session.OpenConversation(ctx, id)).To(Succeed())
			Expect(session.OpenConversationID()).To(Equal(id))

			total, err := repo.TotalUnread(ctx, "bob")
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(BeZero())

			Eventually(func() int { return len(sink.LastMessages(id)) }).Should(Equal(2))
			Expect(sink.LastMessages(id)[0].Text).To(Equal("one"))
			Eventually(calls.Scheduled).Should(ContainElement(id + "|bob"))

			_, _ = repo.SendMessage(ctx, id, "bob", "three")
			Eventually(func() int { return len(sink.LastMessages(id)) }).Should(Equal(3))
			msgs := sink.LastMessages(id)
			for i := 1; i < len(msgs); i++ {
				Expect(msgs[i].Timestamp.Before(msgs[i-1].Timestamp)).To(BeFalse())
			}
		})

		It("re-sorts batches that arrive out of order", func() {
			path := repository.MessagesPath(id)
			sub := store.Script(path)
			Expect(session.OpenConversation(ctx, id)).To(Succeed())

			t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
			sub.Push(docstore.ChangeBatch{Snapshot: true, Docs: []docstore.Doc{
				{ID: "m3", Fields: docstore.Fields{"senderId": "alice", "text": "third", "timestamp": t0.Add(2 * time.Second)}},
				{ID: "m1", Fields: docstore.Fields{"senderId": "alice", "text": "first", "timestamp": t0}},
				{ID: "m2", Fields: docstore.Fields{"senderId": "bob", "text": "second", "timestamp": t0.Add(time.Second)}},
			}})

			Eventually(func() int { return len(sink.LastMessages(id)) }).Should(Equal(3))
			msgs := sink.LastMessages(id)
			Expect([]string{msgs[0].ID, msgs[1].ID, msgs[2].ID}).To(Equal([]string{"m1", "m2", "m3"}))
		})

		It("does not schedule mark-seen when everything is read", func() {
			_, _ = repo.SendMessage(ctx, id, "bob", "mine only")
			Expect(session.OpenConversation(ctx, id)).To(Succeed())
			Eventually(func() int { return sink.MessageUpdates(id) }).Should(Equal(1))
			Expect(calls.Scheduled()).To(BeEmpty())
		})

		It("keeps one message subscription when switching conversations", func() {
			other, _ := repo.FindOrCreate(ctx, "carol", "bob", "prod2")
			firstSub := store.Script(repository.MessagesPath(id))

			Expect(session.OpenConversation(ctx, id)).To(Succeed())
			Expect(session.OpenConversation(ctx, other)).To(Succeed())

			Expect(firstSub.Cancelled()).To(BeTrue())
			Expect(session.OpenConversationID()).To(Equal(other))
			Expect(calls.Cancelled()).To(ContainElement(id + "|bob"))
			Expect(testutil.ToFloat64(m.Subscriptions.WithLabelValues(realtime.KindMessages))).To(Equal(1.0))

			session.CloseConversation()
			Expect(session.OpenConversationID()).To(BeEmpty())
			Expect(testutil.ToFloat64(m.Subscriptions.WithLabelValues(realtime.KindMessages))).To(Equal(0.0))
		})

		It("surfaces message subscription failures", func() {
			sub := store.Script(repository.MessagesPath(id))
			Expect(session.OpenConversation(ctx, id)).To(Succeed())

			sub.Push(docstore.ChangeBatch{Err: docstore.ErrUnavailable})
			Eventually(sink.Errors).Should(HaveLen(1))
			Expect(sink.Errors()[0].Kind).To(Equal(realtime.KindMessages))
			Expect(sink.Errors()[0].ConversationID).To(Equal(id))
		})

		It("refuses conversations the viewer is not part of", func() {
			foreign, _ := repo.FindOrCreate(ctx, "alice", "carol", "prod3")
			err := session.OpenConversation(ctx, foreign)
			Expect(errors.Is(err, domain.ErrPermissionDenied)).To(BeTrue())
			Expect(session.OpenConversationID()).To(BeEmpty())

			err = session.OpenConversation(ctx, "cv_missing")
			Expect(errors.Is(err, domain.ErrNotFound)).To(BeTrue())
		})
	})

	It("rejects work after Close and tolerates repeated closes", func() {
		Expect(session.WatchList(ctx)).To(Succeed())
		session.Close()
		session.Close()

		Expect(session.ListState()).To(Equal(realtime.Unsubscribed))
		Expect(session.WatchList(ctx)).To(MatchError(realtime.ErrSessionClosed))
	})
})
