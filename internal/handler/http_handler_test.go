package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/weiawesome/market-chat/internal/docstore"
	"github.com/weiawesome/market-chat/internal/handler"
	"github.com/weiawesome/market-chat/internal/repository"
	"github.com/weiawesome/market-chat/internal/tracker"
	"github.com/weiawesome/market-chat/pkg/middleware"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code string `json:"code"`
	} `json:"error"`
}

var _ = Describe("HTTP handler", func() {
	var (
		ctx    context.Context
		router *gin.Engine
		repo   repository.ConversationRepository
	)

	do := func(method, path, token, body string) (int, envelope) {
		var req *http.Request
		if body != "" {
			req = httptest.NewRequest(method, path, strings.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
		} else {
			req = httptest.NewRequest(method, path, nil)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		var env envelope
		if rec.Body.Len() > 0 {
			Expect(json.Unmarshal(rec.Body.Bytes(), &env)).To(Succeed())
		}
		return rec.Code, env
	}

	createConversation := func(token, other, product string) string {
		code, env := do(http.MethodPost, "/api/v1/conversations", token,
			`{"otherUserId":"`+other+`","productId":"`+product+`"}`)
		Expect(code).To(Equal(http.StatusCreated))
		var out struct {
			ConversationID string `json:"conversationId"`
		}
		Expect(json.Unmarshal(env.Data, &out)).To(Succeed())
		return out.ConversationID
	}

	BeforeEach(func() {
		ctx = context.Background()
		store := docstore.NewMemoryStore()
		repo = repository.NewConversationRepository(store, staticProfiles{
			"alice": {ID: "alice", Name: "Alice"},
			"bob":   {ID: "bob", Name: "Bob"},
		}, nil, nil, nil, repository.Config{})
		tr := tracker.NewUnreadTracker(store, repo, nil, nil, clockwork.NewFakeClock(), tracker.Config{
			Debounce: time.Second,
			Throttle: 2 * time.Second,
		})
		DeferCleanup(tr.Stop)

		router = gin.New()
		handler.NewHandler(repo, tr, middleware.NewAuthMiddleware(tokenVerifier{})).RegisterRoutes(router)
	})

	It("requires authentication", func() {
		code, env := do(http.MethodGet, "/api/v1/conversations", "", "")
		Expect(code).To(Equal(http.StatusUnauthorized))
		Expect(env.Error.Code).To(Equal("UNAUTHORIZED"))

		code, _ = do(http.MethodGet, "/api/v1/conversations", "bad", "")
		Expect(code).To(Equal(http.StatusUnauthorized))
	})

	It("returns the same conversation for repeated creates", func() {
		first := createConversation("alice", "bob", "prod1")
		Expect(first).To(HavePrefix("cv_"))
		Expect(createConversation("bob", "alice", "prod1")).To(Equal(first))
	})

	It("rejects a conversation with oneself", func() {
		code, env := do(http.MethodPost, "/api/v1/conversations", "alice", `{"otherUserId":"alice"}`)
		Expect(code).To(Equal(http.StatusBadRequest))
		Expect(env.Error.Code).To(Equal("BAD_REQUEST"))
	})

	It("sends, lists and marks seen", func() {
		id := createConversation("alice", "bob", "prod1")

		code, _ := do(http.MethodPost, "/api/v1/conversations/"+id+"/messages", "alice", `{"text":"hi"}`)
		Expect(code).To(Equal(http.StatusCreated))

		code, env := do(http.MethodGet, "/api/v1/conversations", "bob", "")
		Expect(code).To(Equal(http.StatusOK))
		var list struct {
			Conversations []json.RawMessage `json:"conversations"`
			TotalUnread   int               `json:"totalUnread"`
			Badge         string            `json:"badge"`
		}
		Expect(json.Unmarshal(env.Data, &list)).To(Succeed())
		Expect(list.Conversations).To(HaveLen(1))
		Expect(list.TotalUnread).To(Equal(1))
		Expect(list.Badge).To(Equal("1"))

		code, env = do(http.MethodPost, "/api/v1/conversations/"+id+"/seen", "bob", "")
		Expect(code).To(Equal(http.StatusOK))
		var res tracker.Result
		Expect(json.Unmarshal(env.Data, &res)).To(Succeed())
		Expect(res.Marked).To(Equal(1))

		total, err := repo.TotalUnread(ctx, "bob")
		Expect(err).NotTo(HaveOccurred())
		Expect(total).To(BeZero())

		code, env = do(http.MethodGet, "/api/v1/conversations/"+id+"/messages", "alice", "")
		Expect(code).To(Equal(http.StatusOK))
		Expect(string(env.Data)).To(ContainSubstring(`"hi"`))
	})

	It("maps domain errors to status codes", func() {
		id := createConversation("alice", "bob", "")

		code, _ := do(http.MethodPost, "/api/v1/conversations/"+id+"/messages", "carol", `{"text":"hi"}`)
		Expect(code).To(Equal(http.StatusForbidden))

		code, _ = do(http.MethodPost, "/api/v1/conversations/"+id+"/messages", "alice", `{"text":"   "}`)
		Expect(code).To(Equal(http.StatusBadRequest))

		code, _ = do(http.MethodGet, "/api/v1/conversations/cv_missing/messages", "alice", "")
		Expect(code).To(Equal(http.StatusNotFound))
	})

	It("restricts deletes to admins", func() {
		id := createConversation("alice", "bob", "")

		code, _ := do(http.MethodDelete, "/api/v1/admin/conversations/"+id, "alice", "")
		Expect(code).To(Equal(http.StatusForbidden))

		code, _ = do(http.MethodDelete, "/api/v1/admin/conversations/"+id, "root:admin", "")
		Expect(code).To(Equal(http.StatusNoContent))

		_, err := repo.GetConversation(ctx, id)
		Expect(err).To(HaveOccurred())
	})

	It("deletes every chat of a user", func() {
		createConversation("alice", "bob", "p1")
		createConversation("alice", "bob", "p2")

		code, _ := do(http.MethodDelete, "/api/v1/admin/users/alice/chats", "root:admin", "")
		Expect(code).To(Equal(http.StatusNoContent))

		convs, err := repo.ListConversations(ctx, "bob")
		Expect(err).NotTo(HaveOccurred())
		Expect(convs).To(BeEmpty())
	})
})
