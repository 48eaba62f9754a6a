package server

import (
	"context"
	"encoding/json"
	"errors"
	"io/ioutil"
	"net/http"

	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"awurachat-backend/internal/chat"
	"awurachat-backend/internal/convkey"
	"awurachat-backend/internal/presence"
	"awurachat-backend/internal/storage"
)

type parsers struct {
	userByIDPool          fastjson.ParserPool
	sendMessagePool       fastjson.ParserPool
	recentMessagesPool    fastjson.ParserPool
	listConversationsPool fastjson.ParserPool
	markReadPool          fastjson.ParserPool
	setTypingPool         fastjson.ParserPool
}

// userDirectory is the subset of the store the user endpoints need
type userDirectory interface {
	CreateUser(ctx context.Context, username, displayName, avatarURL string) (int64, error)
	UserByID(ctx context.Context, id int64) (storage.User, error)
}

type handler struct {
	logger  *zap.SugaredLogger
	users   userDirectory
	core    *chat.Service
	tracker *presence.Tracker
	parsers parsers
}

func newHandler(logger *zap.SugaredLogger, users userDirectory, core *chat.Service, tracker *presence.Tracker) *handler {
	return &handler{
		logger:  logger,
		users:   users,
		core:    core,
		tracker: tracker,
	}
}

// respond marshals payload and writes it with the provided status code
func (h *handler) respond(w http.ResponseWriter, status int, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(data)
	if err != nil {
		h.logger.Errorf("writing marshaled data to ResponseWriter: %v", err)
	}
}

func (h *handler) internalError(w http.ResponseWriter, err error) {
	h.logger.Error(err)
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

// createUser handles HTTP requests on "/users/add" endpoint
func (h *handler) createUser(w http.ResponseWriter, r *http.Request) {
	body, _ := ioutil.ReadAll(r.Body)

	if !fastjson.Exists(body, "username") {
		http.Error(w, "Missing Field \"username\"", http.StatusBadRequest)
		return
	}

	username := fastjson.GetString(body, "username")
	if len(username) == 0 {
		http.Error(w, "Field \"username\" must be a string and have non-zero length", http.StatusBadRequest)
		return
	}

	displayName := fastjson.GetString(body, "display_name")
	if displayName == "" {
		displayName = username
	}
	avatarURL := fastjson.GetString(body, "avatar_url")

	id, err := h.users.CreateUser(r.Context(), username, displayName, avatarURL)
	if err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			http.Error(w, "User already exists", http.StatusBadRequest)
			return
		}
		h.internalError(w, err)
		return
	}

	h.respond(w, http.StatusCreated, map[string]int64{"id": id})
}

// userByID handles HTTP requests on "/users/get" endpoint
func (h *handler) userByID(w http.ResponseWriter, r *http.Request) {
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.userByIDPool.Get()
	defer h.parsers.userByIDPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	userID, ok := userIDField(w, v, "user")
	if !ok {
		return
	}

	user, err := h.users.UserByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotExist) {
			http.Error(w, "User does not exist", http.StatusNotFound)
			return
		}
		h.internalError(w, err)
		return
	}

	// the tracker is authoritative for live presence; the stored fields only
	// cover users it has not seen since startup
	state := h.tracker.Snapshot(userID)
	if state.Online || state.LastSeen != nil {
		user.Online = state.Online
		user.LastSeen = state.LastSeen
	}

	h.respond(w, http.StatusOK, user)
}

// sendMessage handles HTTP requests on "/messages/send" endpoint
// the canonical conversation key is derived server-side from the two
// participants, so both directions of a pair land in one partition
func (h *handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.sendMessagePool.Get()
	defer h.parsers.sendMessagePool.Put(parser)
	v, _ := parser.ParseBytes(body)

	sender, ok := userIDField(w, v, "sender")
	if !ok {
		return
	}
	recipient, ok := userIDField(w, v, "recipient")
	if !ok {
		return
	}

	if !v.Exists("text") {
		http.Error(w, "Missing Field \"text\"", http.StatusBadRequest)
		return
	}
	textValue := v.Get("text")
	if textValue.Type() != fastjson.TypeString {
		http.Error(w, "Field \"text\" must be a string", http.StatusBadRequest)
		return
	}
	text := string(textValue.GetStringBytes())

	key, err := convkey.New(sender, recipient)
	if err != nil {
		switch err {
		case convkey.ErrSameUser:
			http.Error(w, "Sender and recipient must be two distinct users", http.StatusBadRequest)
		default:
			http.Error(w, "User ids must be valid ids greater than zero", http.StatusBadRequest)
		}
		return
	}

	message, err := h.core.Send(r.Context(), key, sender, text)
	if err != nil {
		switch err {
		case chat.ErrEmptyMessage:
			http.Error(w, "Field \"text\" must not be empty", http.StatusBadRequest)
		case storage.ErrMessageBadSender:
			http.Error(w, "Sender with provided id does not exist", http.StatusBadRequest)
		case storage.ErrUserNotExist:
			http.Error(w, "Recipient with provided id does not exist", http.StatusBadRequest)
		default:
			h.internalError(w, err)
		}
		return
	}

	h.respond(w, http.StatusCreated, message)
}

// recentMessages handles HTTP requests on "/messages/recent" endpoint
func (h *handler) recentMessages(w http.ResponseWriter, r *http.Request) {
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.recentMessagesPool.Get()
	defer h.parsers.recentMessagesPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	key, ok := conversationField(w, v)
	if !ok {
		return
	}

	beforeID := v.GetInt64("before_id")
	limit := int32(v.GetInt("limit"))

	messages, err := h.core.Recent(r.Context(), key, beforeID, limit)
	if err != nil {
		if errors.Is(err, convkey.ErrBadKey) {
			http.Error(w, "Field \"conversation\" must be a valid conversation key", http.StatusBadRequest)
			return
		}
		h.internalError(w, err)
		return
	}

	if messages == nil {
		messages = []storage.Message{}
	}

	h.respond(w, http.StatusOK, messages)
}

// listConversations handles HTTP requests on "/conversations/list" endpoint
func (h *handler) listConversations(w http.ResponseWriter, r *http.Request) {
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.listConversationsPool.Get()
	defer h.parsers.listConversationsPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	userID, ok := userIDField(w, v, "user")
	if !ok {
		return
	}

	summaries, err := h.core.Conversations(r.Context(), userID)
	if err != nil {
		h.internalError(w, err)
		return
	}

	if summaries == nil {
		summaries = []storage.ConversationSummary{}
	}

	h.respond(w, http.StatusOK, summaries)
}

// markRead handles HTTP requests on "/conversations/read" endpoint
func (h *handler) markRead(w http.ResponseWriter, r *http.Request) {
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.markReadPool.Get()
	defer h.parsers.markReadPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	userID, ok := userIDField(w, v, "user")
	if !ok {
		return
	}
	key, ok := conversationField(w, v)
	if !ok {
		return
	}

	err := h.core.MarkRead(r.Context(), userID, key)
	if err != nil {
		switch err {
		case convkey.ErrBadKey:
			http.Error(w, "Field \"conversation\" must be a valid conversation key", http.StatusBadRequest)
		case chat.ErrNotParticipant:
			http.Error(w, "User is not a conversation participant", http.StatusBadRequest)
		default:
			h.internalError(w, err)
		}
		return
	}

	h.respond(w, http.StatusOK, map[string]bool{"ok": true})
}

// setTyping handles HTTP requests on "/typing/set" endpoint
func (h *handler) setTyping(w http.ResponseWriter, r *http.Request) {
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.setTypingPool.Get()
	defer h.parsers.setTypingPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	userID, ok := userIDField(w, v, "user")
	if !ok {
		return
	}
	key, ok := conversationField(w, v)
	if !ok {
		return
	}

	typing := true
	if v.Exists("typing") {
		typing = v.GetBool("typing")
	}

	var err error
	if typing {
		err = h.core.SetTyping(key, userID)
	} else {
		err = h.core.ClearTyping(key, userID)
	}
	if err != nil {
		switch err {
		case convkey.ErrBadKey:
			http.Error(w, "Field \"conversation\" must be a valid conversation key", http.StatusBadRequest)
		case chat.ErrNotParticipant:
			http.Error(w, "User is not a conversation participant", http.StatusBadRequest)
		default:
			h.internalError(w, err)
		}
		return
	}

	h.respond(w, http.StatusOK, map[string]bool{"ok": true})
}

// userIDField extracts a positive 64-bit integer field, writing the error response itself
func userIDField(w http.ResponseWriter, v *fastjson.Value, field string) (int64, bool) {
	if v == nil || !v.Exists(field) {
		http.Error(w, "Missing Field \""+field+"\"", http.StatusBadRequest)
		return 0, false
	}

	id, err := v.Get(field).Int64()
	if err != nil {
		http.Error(w, "Field \""+field+"\" must be a 64-bit integer value", http.StatusBadRequest)
		return 0, false
	}

	if id < 1 {
		http.Error(w, "Field \""+field+"\" must be a valid user id greater than zero", http.StatusBadRequest)
		return 0, false
	}

	return id, true
}

// conversationField extracts the conversation key field, writing the error response itself
func conversationField(w http.ResponseWriter, v *fastjson.Value) (string, bool) {
	if v == nil || !v.Exists("conversation") {
		http.Error(w, "Missing Field \"conversation\"", http.StatusBadRequest)
		return "", false
	}

	value := v.Get("conversation")
	if value.Type() != fastjson.TypeString {
		http.Error(w, "Field \"conversation\" must be a string", http.StatusBadRequest)
		return "", false
	}

	return string(value.GetStringBytes()), true
}
