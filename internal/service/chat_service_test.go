package service_test

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/weiawesome/market-chat/internal/config"
	"github.com/weiawesome/market-chat/internal/docstore"
	"github.com/weiawesome/market-chat/internal/domain"
	"github.com/weiawesome/market-chat/internal/events"
	"github.com/weiawesome/market-chat/internal/hub"
	"github.com/weiawesome/market-chat/internal/realtime"
	"github.com/weiawesome/market-chat/internal/repository"
	"github.com/weiawesome/market-chat/internal/service"
	"github.com/weiawesome/market-chat/internal/tracker"
	"github.com/weiawesome/market-chat/pkg/pubsub"
)

var _ = Describe("ChatService", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		h      *hub.Hub
		bus    *pubsub.MemoryPubSub
		repo   repository.ConversationRepository
		svc    service.ChatService
		alice  *hub.Client
		bob    *hub.Client
		aliceF *frameCollector
		bobF   *frameCollector
		convID string
	)

	connect := func(clientID, userID string) *hub.Client {
		c := hub.NewClient(clientID, h, nil, domain.NewSession(clientID, userID, nil), config.WebSocketConfig{SendBufferSize: 64})
		h.Register(c)
		Expect(svc.HandleConnect(ctx, c)).To(Succeed())
		return c
	}

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		DeferCleanup(cancel)

		store := docstore.NewMemoryStore()
		bus = pubsub.NewMemoryPubSub()
		DeferCleanup(bus.Close)
		pub := events.NewBusPublisher(bus)
		profiles := staticProfiles{
			"alice": {ID: "alice", Name: "Alice"},
			"bob":   {ID: "bob", Name: "Bob"},
		}
		repo = repository.NewConversationRepository(store, profiles, pub, nil, nil, repository.Config{})
		tr := tracker.NewUnreadTracker(store, repo, pub, nil, clockwork.NewFakeClock(), tracker.Config{
			Debounce: time.Second,
			Throttle: 2 * time.Second,
		})
		DeferCleanup(tr.Stop)
		coord := realtime.NewCoordinator(store, repo, tr, nil)

		h = hub.NewHub(config.WebSocketConfig{SendBufferSize: 64}, nil)
		go h.Run(ctx)

		svc = service.NewChatService(h, repo, tr, coord, bus)
		Expect(svc.Start(ctx)).To(Succeed())
		DeferCleanup(svc.Stop)

		var err error
		convID, err = repo.FindOrCreate(ctx, "alice", "bob", "prod1")
		Expect(err).NotTo(HaveOccurred())

		alice = connect("c-alice", "alice")
		bob = connect("c-bob", "bob")
		Eventually(h.ClientCount).Should(Equal(2))
		aliceF = &frameCollector{client: alice}
		bobF = &frameCollector{client: bob}
	})

	It("publishes the conversation list on watch", func() {
		Expect(svc.HandleWatchList(ctx, alice)).To(Succeed())

		Eventually(func() []map[string]any { return aliceF.ofType(domain.MsgTypeConversations) }).
			ShouldNot(BeEmpty())
		list := aliceF.ofType(domain.MsgTypeConversations)[0]
		Expect(list["conversations"]).To(HaveLen(1))
	})

	It("acknowledges a sent message and notifies the recipient", func() {
		Expect(svc.HandleSendMessage(ctx, alice, "req-1", convID, "hello")).To(Succeed())

		sent := aliceF.ofType(domain.MsgTypeMessageSent)
		Expect(sent).To(HaveLen(1))
		Expect(sent[0]["request_id"]).To(Equal("req-1"))
		Expect(sent[0]["message_id"]).NotTo(BeEmpty())

		Eventually(func() []map[string]any { return bobF.ofType(domain.MsgTypeNotification) }).
			Should(HaveLen(1))
		n := bobF.ofType(domain.MsgTypeNotification)[0]
		Expect(n["sender_id"]).To(Equal("alice"))
		Expect(n["text"]).To(Equal("hello"))
		Expect(n["product_id"]).To(Equal("prod1"))
		Consistently(func() []map[string]any { return aliceF.ofType(domain.MsgTypeNotification) }, 100*time.Millisecond).
			Should(BeEmpty())
	})

	It("sends to the open conversation when none is named", func() {
		Expect(svc.HandleOpenConversation(ctx, alice, "req-open", convID)).To(Succeed())
		Expect(svc.HandleSendMessage(ctx, alice, "req-2", "", "hi")).To(Succeed())

		Expect(aliceF.ofType(domain.MsgTypeMessageSent)).To(HaveLen(1))
		msgs, err := repo.ListMessages(ctx, convID, "alice")
		Expect(err).NotTo(HaveOccurred())
		Expect(msgs).To(HaveLen(1))
	})

	It("rejects sends with no conversation", func() {
		Expect(svc.HandleSendMessage(ctx, alice, "req-3", "", "hi")).To(Succeed())

		errs := aliceF.ofType(domain.MsgTypeError)
		Expect(errs).To(HaveLen(1))
		Expect(errs[0]["code"]).To(Equal(domain.ErrCodeBadRequest))
		Expect(errs[0]["request_id"]).To(Equal("req-3"))
	})

	It("reports forbidden opens to the client", func() {
		other, err := repo.FindOrCreate(ctx, "bob", "carol", "")
		Expect(err).NotTo(HaveOccurred())

		Expect(svc.HandleOpenConversation(ctx, alice, "req-4", other)).To(Succeed())
		errs := aliceF.ofType(domain.MsgTypeError)
		Expect(errs).To(HaveLen(1))
		Expect(errs[0]["code"]).To(Equal(domain.ErrCodeForbidden))
	})

	It("marks messages seen on request", func() {
		Expect(svc.HandleSendMessage(ctx, alice, "", convID, "one")).To(Succeed())
		Expect(svc.HandleSendMessage(ctx, alice, "", convID, "two")).To(Succeed())

		Expect(svc.HandleMarkSeen(ctx, bob, "req-5", convID)).To(Succeed())
		res := bobF.ofType(domain.MsgTypeSeenResult)
		Expect(res).To(HaveLen(1))
		Expect(res[0]["marked"]).To(BeEquivalentTo(2))
		Expect(res[0]["skipped"]).To(BeFalse())

		total, err := repo.TotalUnread(ctx, "bob")
		Expect(err).NotTo(HaveOccurred())
		Expect(total).To(BeZero())
	})

	It("drops the realtime session on disconnect", func() {
		Expect(svc.HandleWatchList(ctx, alice)).To(Succeed())
		Expect(svc.HandleDisconnect(ctx, alice)).To(Succeed())

		Expect(svc.HandleWatchList(ctx, alice)).NotTo(Succeed())
		Expect(svc.HandleDisconnect(ctx, alice)).To(Succeed())
	})
})
