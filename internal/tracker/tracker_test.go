package tracker_test

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/weiawesome/market-chat/internal/docstore"
	"github.com/weiawesome/market-chat/internal/domain"
	"github.com/weiawesome/market-chat/internal/repository"
	"github.com/weiawesome/market-chat/internal/tracker"
)

var _ = Describe("UnreadTracker", func() {
	var (
		ctx    context.Context
		clock  *clockwork.FakeClock
		store  *docstore.MemoryStore
		events *seenEvents
		repo   repository.ConversationRepository
		tr     tracker.UnreadTracker
	)

	unreadOf := func(owner, conversationID string) int {
		doc, err := store.Get(ctx, repository.UserChatsPath(owner), conversationID)
		Expect(err).NotTo(HaveOccurred())
		return repository.RefFromDoc(owner, *doc).UnreadCount
	}

	waitForTimers := func(n int) {
		wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		Expect(clock.BlockUntilContext(wctx, n)).To(Succeed())
	}

	BeforeEach(func() {
		ctx = context.Background()
		clock = clockwork.NewFakeClock()
		store = docstore.NewMemoryStore(docstore.WithClock(clock))
		events = &seenEvents{}
		profiles := staticProfiles{
			"alice": {ID: "alice", Name: "Alice"},
			"bob":   {ID: "bob", Name: "Bob"},
		}
		repo = repository.NewConversationRepository(store, profiles, nil, nil, nil, repository.Config{})
		tr = tracker.NewUnreadTracker(store, repo, events, nil, clock, tracker.Config{
			Debounce: time.Second,
			Throttle: 2 * time.Second,
		})
		DeferCleanup(tr.Stop)
	})

	Describe("MarkSeen", func() {
		It("marks the other participant's messages and resets unread", func() {
			id, _ := repo.FindOrCreate(ctx, "alice", "bob", "prod1")
			_, _ = repo.SendMessage(ctx, id, "alice", "one")
			_, _ = repo.SendMessage(ctx, id, "alice", "two")
			Expect(unreadOf("bob", id)).To(Equal(2))
			// Replying zeroes bob's own count but leaves alice's messages unseen.
			_, _ = repo.SendMessage(ctx, id, "bob", "mine")
			Expect(unreadOf("bob", id)).To(BeZero())

			res, err := tr.MarkSeen(ctx, id, "bob")
			Expect(err).NotTo(HaveOccurred())
			Expect(res).To(Equal(tracker.Result{Marked: 2}))
			Expect(unreadOf("bob", id)).To(BeZero())
			Expect(unreadOf("alice", id)).To(Equal(1))

			msgs, _ := repo.ListMessages(ctx, id, "bob")
			for _, m := range msgs {
				if m.SenderID == "alice" {
					Expect(m.Seen).To(BeTrue())
					Expect(m.SeenAt).NotTo(BeNil())
				} else {
					Expect(m.Seen).To(BeFalse())
				}
			}
			Expect(events.Counts()).To(Equal([]int{2}))
		})

		It("is a no-op when nothing is unread", func() {
			id, _ := repo.FindOrCreate(ctx, "alice", "bob", "prod1")
			_, _ = repo.SendMessage(ctx, id, "bob", "only mine")

			res, err := tr.MarkSeen(ctx, id, "bob")
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Marked).To(BeZero())
			Expect(res.Skipped).To(BeFalse())
			Expect(events.Counts()).To(BeEmpty())
		})

		It("never flips seen back", func() {
			id, _ := repo.FindOrCreate(ctx, "alice", "bob", "prod1")
			msgID, _ := repo.SendMessage(ctx, id, "alice", "one")
			_, _ = tr.MarkSeen(ctx, id, "bob")

			clock.Advance(2 * time.Second)
			_, _ = repo.SendMessage(ctx, id, "alice", "two")
			res, err := tr.MarkSeen(ctx, id, "bob")
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Marked).To(Equal(1))

			doc, _ := store.Get(ctx, repository.MessagesPath(id), msgID)
			Expect(docstore.Bool(doc.Fields, repository.FieldSeen)).To(BeTrue())
		})

		It("runs at most once per throttle window", func() {
			id, _ := repo.FindOrCreate(ctx, "alice", "bob", "prod1")
			_, _ = repo.SendMessage(ctx, id, "alice", "one")

			first, err := tr.MarkSeen(ctx, id, "bob")
			Expect(err).NotTo(HaveOccurred())
			Expect(first.Marked).To(Equal(1))

			_, _ = repo.SendMessage(ctx, id, "alice", "two")
			clock.Advance(1500 * time.Millisecond)
			second, err := tr.MarkSeen(ctx, id, "bob")
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Skipped).To(BeTrue())
			Expect(second.RetryIn).To(Equal(500 * time.Millisecond))
			Expect(unreadOf("bob", id)).To(Equal(1))

			// Windows are per viewer.
			_, _ = repo.SendMessage(ctx, id, "bob", "reply")
			other, err := tr.MarkSeen(ctx, id, "alice")
			Expect(err).NotTo(HaveOccurred())
			Expect(other.Marked).To(Equal(1))

			clock.Advance(500 * time.Millisecond)
			third, err := tr.MarkSeen(ctx, id, "bob")
			Expect(err).NotTo(HaveOccurred())
			Expect(third.Marked).To(Equal(1))
		})

		It("does not hold the throttle window after a failed run", func() {
			flaky := &flakyStore{Store: store, batchFailures: 1}
			ft := tracker.NewUnreadTracker(flaky, repo, events, nil, clock, tracker.Config{
				Debounce: time.Second,
				Throttle: 2 * time.Second,
			})
			DeferCleanup(ft.Stop)

			id, _ := repo.FindOrCreate(ctx, "alice", "bob", "prod1")
			_, _ = repo.SendMessage(ctx, id, "alice", "one")

			_, err := ft.MarkSeen(ctx, id, "bob")
			Expect(errors.Is(err, domain.ErrNetwork)).To(BeTrue())
			Expect(unreadOf("bob", id)).To(Equal(1))

			res, err := ft.MarkSeen(ctx, id, "bob")
			Expect(err).NotTo(HaveOccurred())
			Expect(res).To(Equal(tracker.Result{Marked: 1}))
			Expect(unreadOf("bob", id)).To(BeZero())

			again, err := ft.MarkSeen(ctx, id, "bob")
			Expect(err).NotTo(HaveOccurred())
			Expect(again.Skipped).To(BeTrue())
		})

		It("requires a participant", func() {
			id, _ := repo.FindOrCreate(ctx, "alice", "bob", "prod1")
			_, err := tr.MarkSeen(ctx, id, "mallory")
			Expect(errors.Is(err, domain.ErrPermissionDenied)).To(BeTrue())

			_, err = tr.MarkSeen(ctx, "cv_missing", "bob")
			Expect(errors.Is(err, domain.ErrNotFound)).To(BeTrue())

			_, err = tr.MarkSeen(ctx, "", "bob")
			Expect(errors.Is(err, domain.ErrInvalidInput)).To(BeTrue())
		})
	})

	Describe("ScheduleMarkSeen", func() {
		var id string

		BeforeEach(func() {
			id, _ = repo.FindOrCreate(ctx, "alice", "bob", "prod1")
			_, _ = repo.SendMessage(ctx, id, "alice", "one")
		})

		It("waits until the list has been quiet for the debounce delay", func() {
			tr.ScheduleMarkSeen(id, "bob")
			waitForTimers(1)
			clock.Advance(600 * time.Millisecond)

			// Another change restarts the delay.
			_, _ = repo.SendMessage(ctx, id, "alice", "two")
			tr.ScheduleMarkSeen(id, "bob")
			waitForTimers(1)
			clock.Advance(600 * time.Millisecond)
			Consistently(func() int { return unreadOf("bob", id) }, "50ms", "10ms").Should(Equal(2))

			clock.Advance(400 * time.Millisecond)
			Eventually(func() int { return unreadOf("bob", id) }).Should(BeZero())
			Expect(events.Counts()).To(Equal([]int{2}))
		})

		It("retries after the throttle window when a run was throttled", func() {
			_, err := tr.MarkSeen(ctx, id, "bob")
			Expect(err).NotTo(HaveOccurred())
			_, _ = repo.SendMessage(ctx, id, "alice", "two")

			tr.ScheduleMarkSeen(id, "bob")
			waitForTimers(1)
			clock.Advance(time.Second)

			// The debounced run is throttled and re-arms for the rest of the window.
			waitForTimers(1)
			Expect(unreadOf("bob", id)).To(Equal(1))
			clock.Advance(time.Second)
			Eventually(func() int { return unreadOf("bob", id) }).Should(BeZero())
		})

		It("drops a cancelled run", func() {
			tr.ScheduleMarkSeen(id, "bob")
			waitForTimers(1)
			tr.CancelScheduled(id, "bob")
			clock.Advance(2 * time.Second)
			Consistently(func() int { return unreadOf("bob", id) }, "50ms", "10ms").Should(Equal(1))
		})
	})

	It("handles the buyer and seller flow on one listing", func() {
		// The buyer opens a chat about prod1 and asks a question.
		id, err := repo.FindOrCreate(ctx, "alice", "bob", "prod1")
		Expect(err).NotTo(HaveOccurred())
		_, err = repo.SendMessage(ctx, id, "alice", "Is this still available?")
		Expect(err).NotTo(HaveOccurred())

		// The seller sees it in their list.
		list, err := repo.ListConversations(ctx, "bob")
		Expect(err).NotTo(HaveOccurred())
		Expect(list).To(HaveLen(1))
		Expect(list[0].ConversationID).To(Equal(id))
		Expect(list[0].OtherUser.Name).To(Equal("Alice"))
		Expect(list[0].ProductID).To(Equal("prod1"))
		Expect(list[0].LastMessage).To(Equal("Is this still available?"))
		Expect(list[0].UnreadCount).To(Equal(1))

		// Opening the chat from the seller side lands in the same conversation.
		sameID, err := repo.FindOrCreate(ctx, "bob", "alice", "prod1")
		Expect(err).NotTo(HaveOccurred())
		Expect(sameID).To(Equal(id))

		res, err := tr.MarkSeen(ctx, id, "bob")
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Marked).To(Equal(1))
		Expect(unreadOf("bob", id)).To(BeZero())

		_, err = repo.SendMessage(ctx, id, "bob", "Yes, it is.")
		Expect(err).NotTo(HaveOccurred())

		list, err = repo.ListConversations(ctx, "alice")
		Expect(err).NotTo(HaveOccurred())
		Expect(list).To(HaveLen(1))
		Expect(list[0].OtherUser.Name).To(Equal("Bob"))
		Expect(list[0].LastMessage).To(Equal("Yes, it is."))
		Expect(list[0].UnreadCount).To(Equal(1))

		msgs, err := repo.ListMessages(ctx, id, "alice")
		Expect(err).NotTo(HaveOccurred())
		Expect(msgs).To(HaveLen(2))
		Expect(msgs[0].Text).To(Equal("Is this still available?"))
		Expect(msgs[0].Seen).To(BeTrue())
		Expect(msgs[1].Seen).To(BeFalse())
	})
})
