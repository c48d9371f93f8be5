package server

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hammad-Izhar/wire-protocols-sub000/pkg/database"
	"github.com/Hammad-Izhar/wire-protocols-sub000/pkg/ids"
	"github.com/Hammad-Izhar/wire-protocols-sub000/pkg/protocol"
)

// newDispatchServer returns a server that is never started; requests are fed
// straight into dispatch
func newDispatchServer(t *testing.T) *Server {
	t.Helper()
	gen, err := ids.NewGenerator(ids.DefaultEpoch, 1, 1)
	require.NoError(t, err)
	db := database.New(gen, database.WithPasswordParams(fastPasswords))
	cfg := DefaultConfig()
	srv, err := NewServer(db, cfg)
	require.NoError(t, err)
	return srv
}

// newDrainedSession creates a session whose peer discards everything, so
// notifications never block
func newDrainedSession(t *testing.T, s *Server) *Session {
	t.Helper()
	server, client := net.Pipe()
	go io.Copy(io.Discard, client)
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return s.sessions.CreateSession(server, "tcp")
}

func call(t *testing.T, s *Server, sess *Session, req protocol.Request) protocol.Body {
	t.Helper()
	payload, err := s.codec.Marshal(req)
	require.NoError(t, err)
	resp, err := s.dispatch(sess, req.Op(), payload)
	require.NoError(t, err)
	return resp
}

func registerDirect(t *testing.T, s *Server, sess *Session, username string) *protocol.User {
	t.Helper()
	resp := call(t, s, sess, &protocol.RegisterAccountRequest{Username: username, DisplayName: username, Password: "pw"}).(*protocol.RegisterAccountResponse)
	require.True(t, resp.OK(), resp.Err)
	return resp.Value
}

func TestRegisterValidation(t *testing.T) {
	s := newDispatchServer(t)

	tests := []struct {
		name    string
		req     protocol.RegisterAccountRequest
		wantErr error
	}{
		{"short username", protocol.RegisterAccountRequest{Username: "ab", DisplayName: "A", Password: "pw"}, ErrInvalidUsername},
		{"long username", protocol.RegisterAccountRequest{Username: strings.Repeat("a", 21), DisplayName: "A", Password: "pw"}, ErrInvalidUsername},
		{"bad characters", protocol.RegisterAccountRequest{Username: "has space", DisplayName: "A", Password: "pw"}, ErrInvalidUsername},
		{"empty display name", protocol.RegisterAccountRequest{Username: "valid_user", DisplayName: "", Password: "pw"}, ErrInvalidDisplayName},
		{"long display name", protocol.RegisterAccountRequest{Username: "valid_user", DisplayName: strings.Repeat("d", 65), Password: "pw"}, ErrInvalidDisplayName},
		{"empty password", protocol.RegisterAccountRequest{Username: "valid_user", DisplayName: "V", Password: ""}, ErrEmptyPassword},
		{"ok", protocol.RegisterAccountRequest{Username: "valid-user_1", DisplayName: "Välid", Password: "pw"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := newDrainedSession(t, s)
			req := tt.req
			resp := call(t, s, sess, &req).(*protocol.RegisterAccountResponse)
			_, authed := sess.User()
			if tt.wantErr != nil {
				assert.Equal(t, tt.wantErr.Error(), resp.Err)
				assert.False(t, authed)
				return
			}
			require.True(t, resp.OK(), resp.Err)
			assert.True(t, authed)
		})
	}
}

func TestAuthRequired(t *testing.T) {
	s := newDispatchServer(t)
	sess := newDrainedSession(t, s)

	for op := protocol.OpListAccounts; op < protocol.NumOpcodes; op++ {
		req, err := protocol.NewRequest(op)
		require.NoError(t, err)
		resp := call(t, s, sess, req)

		data, err := protocol.EncodeMessage(s.codec, op, resp)
		require.NoError(t, err)
		decoded, err := protocol.NewResponse(op)
		require.NoError(t, err)
		_, err = protocol.DecodeMessage(s.codec, data, decoded)
		require.NoError(t, err)

		failed, ok := decoded.(interface {
			OK() bool
			AsError() error
		})
		require.True(t, ok)
		assert.False(t, failed.OK(), "%s should need a login", op)
		assert.EqualError(t, failed.AsError(), ErrAuthRequired.Error())
	}
}

func TestDispatchRejectsMalformedPayload(t *testing.T) {
	s := newDispatchServer(t)
	sess := newDrainedSession(t, s)

	_, err := s.dispatch(sess, protocol.OpLogin, []byte{3, 'a'})
	assert.ErrorIs(t, err, protocol.ErrShortBuffer)

	_, err = s.dispatch(sess, protocol.Opcode(200), nil)
	assert.ErrorIs(t, err, protocol.ErrUnknownOpcode)
}

func TestChannelAuthorization(t *testing.T) {
	s := newDispatchServer(t)
	owner, outsider := newDrainedSession(t, s), newDrainedSession(t, s)
	registerDirect(t, s, owner, "owner")
	registerDirect(t, s, outsider, "outsider")

	created := call(t, s, owner, &protocol.CreateChannelRequest{Name: "private"}).(*protocol.CreateChannelResponse)
	require.True(t, created.OK(), created.Err)
	ch := created.Value

	send := call(t, s, outsider, &protocol.SendMessageRequest{ChannelID: ch.UID, Text: "let me in"}).(*protocol.SendMessageResponse)
	assert.Equal(t, database.ErrNotMember.Error(), send.Err)

	rename := call(t, s, outsider, &protocol.UpdateChannelNameRequest{ChannelID: ch.UID, Name: "mine"}).(*protocol.UpdateChannelNameResponse)
	assert.Equal(t, database.ErrNotMember.Error(), rename.Err)

	empty := call(t, s, owner, &protocol.UpdateChannelNameRequest{ChannelID: ch.UID, Name: ""}).(*protocol.UpdateChannelNameResponse)
	assert.Equal(t, ErrEmptyChannelName.Error(), empty.Err)

	missing := call(t, s, owner, &protocol.SendMessageRequest{ChannelID: uuid.New(), Text: "hi"}).(*protocol.SendMessageResponse)
	assert.Equal(t, database.ErrChannelNotFound.Error(), missing.Err)

	posted := call(t, s, owner, &protocol.SendMessageRequest{ChannelID: ch.UID, Text: "secret"}).(*protocol.SendMessageResponse)
	require.True(t, posted.OK(), posted.Err)
	target := protocol.MessageTarget{Snowflake: posted.Value.Snowflake}

	read := call(t, s, outsider, &protocol.ReadMessageRequest{MessageTarget: target}).(*protocol.ReadMessageResponse)
	assert.Equal(t, database.ErrNotMember.Error(), read.Err)

	del := call(t, s, outsider, &protocol.DeleteMessageRequest{MessageTarget: target}).(*protocol.DeleteMessageResponse)
	assert.Equal(t, ErrNotAuthor.Error(), del.Err)

	gone := call(t, s, owner, &protocol.DeleteMessageRequest{MessageTarget: protocol.MessageTarget{Snowflake: 12345}}).(*protocol.DeleteMessageResponse)
	assert.Equal(t, database.ErrMessageNotFound.Error(), gone.Err)
}

func TestCreateChannelIncludesCreator(t *testing.T) {
	s := newDispatchServer(t)
	a, b := newDrainedSession(t, s), newDrainedSession(t, s)
	alice := registerDirect(t, s, a, "alice")
	bob := registerDirect(t, s, b, "bob")

	// Listing the creator explicitly doesn't duplicate them
	resp := call(t, s, a, &protocol.CreateChannelRequest{Name: "pair", Members: []uuid.UUID{bob.UID, alice.UID}}).(*protocol.CreateChannelResponse)
	require.True(t, resp.OK(), resp.Err)
	assert.Equal(t, []uuid.UUID{alice.UID, bob.UID}, resp.Value.UserUIDs)

	unknown := call(t, s, a, &protocol.CreateChannelRequest{Name: "ghosts", Members: []uuid.UUID{uuid.New()}}).(*protocol.CreateChannelResponse)
	assert.Contains(t, unknown.Err, database.ErrUserNotFound.Error())
}

func TestTextTooLongJSON(t *testing.T) {
	gen, err := ids.NewGenerator(ids.DefaultEpoch, 1, 1)
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.Codec = protocol.CodecJSON
	s, err := NewServer(database.New(gen, database.WithPasswordParams(fastPasswords)), cfg)
	require.NoError(t, err)

	sess := newDrainedSession(t, s)
	registerDirect(t, s, sess, "talker")
	ch := call(t, s, sess, &protocol.CreateChannelRequest{Name: "c"}).(*protocol.CreateChannelResponse).Value

	// JSON has no length bytes, so the limit is enforced by the database
	long := call(t, s, sess, &protocol.SendMessageRequest{ChannelID: ch.UID, Text: strings.Repeat("x", 256)}).(*protocol.SendMessageResponse)
	assert.Equal(t, database.ErrTextTooLong.Error(), long.Err)
}

func TestConvertCapsVectors(t *testing.T) {
	members := make([]uuid.UUID, 300)
	for i := range members {
		members[i] = uuid.New()
	}
	snowflakes := make([]ids.Snowflake, 300)
	for i := range snowflakes {
		snowflakes[i] = ids.Snowflake(i + 1)
	}

	ch := convertChannel(database.Channel{UID: uuid.New(), Name: "big", UserUIDs: members, MessageSnowflakes: snowflakes})
	assert.Len(t, ch.UserUIDs, protocol.MaxVectorLength)
	require.Len(t, ch.MessageSnowflakes, protocol.MaxVectorLength)
	assert.Equal(t, ids.Snowflake(300), ch.MessageSnowflakes[len(ch.MessageSnowflakes)-1], "most recent ids are kept")

	_, err := protocol.BinaryCodec{}.Marshal(ch)
	assert.NoError(t, err)

	users := make([]database.User, 300)
	for i := range users {
		users[i] = database.User{UID: uuid.New(), Username: strings.Repeat("u", 200), DisplayName: strings.Repeat("d", 200)}
	}
	list := convertAccounts(users)
	resp := &protocol.ListAccountsResponse{Value: list}
	_, err = protocol.EncodeMessage(protocol.BinaryCodec{}, protocol.OpListAccounts, resp)
	assert.NoError(t, err, "account list must fit in one frame")
	assert.Less(t, len(list.Accounts), 300)
}

func TestLongErrorTextStillAnswered(t *testing.T) {
	s := newDispatchServer(t)
	sess := newDrainedSession(t, s)
	registerDirect(t, s, sess, "searcher")

	// The regexp error quotes the whole pattern
	pattern := "(" + strings.Repeat("a", 300)
	resp := call(t, s, sess, &protocol.ListAccountsRequest{Pattern: pattern}).(*protocol.ListAccountsResponse)
	require.False(t, resp.OK())
	assert.LessOrEqual(t, len(resp.Err), protocol.MaxStringLength)
	assert.True(t, strings.HasPrefix(resp.Err, database.ErrInvalidPattern.Error()))

	data, err := protocol.EncodeMessage(protocol.BinaryCodec{}, protocol.OpListAccounts, resp)
	require.NoError(t, err)
	decoded := &protocol.ListAccountsResponse{}
	_, err = protocol.DecodeMessage(protocol.BinaryCodec{}, data, decoded)
	require.NoError(t, err)
	assert.Equal(t, resp.Err, decoded.Err)
}

func TestTruncateText(t *testing.T) {
	assert.Equal(t, "short", truncateText("short", 10))
	assert.Equal(t, "abc", truncateText("abcdef", 3))
	// "é" is two bytes; cutting inside it backs off to the rune start
	assert.Equal(t, "a", truncateText("aé", 2))
	assert.Equal(t, "aé", truncateText("aéb", 3))
}

func TestSendFallsBackOnEncodeFailure(t *testing.T) {
	s := newDispatchServer(t)
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	sess := s.sessions.CreateSession(server, "tcp")

	frames := make(chan *protocol.Frame, 1)
	go func() {
		frame, err := protocol.DecodeFrame(client)
		if err == nil {
			frames <- frame
		}
	}()

	// A username past the string limit cannot be encoded
	bad := &protocol.LoginResponse{Value: &protocol.User{UID: uuid.New(), Username: strings.Repeat("u", 300)}}
	require.NoError(t, s.send(sess, protocol.OpLogin, bad))

	frame := <-frames
	assert.Equal(t, protocol.OpLogin, frame.Op)
	var resp protocol.LoginResponse
	require.NoError(t, protocol.BinaryCodec{}.Unmarshal(frame.Payload, &resp))
	assert.Equal(t, "internal server error", resp.Err)
}

func TestClockRewindHaltsSendMessage(t *testing.T) {
	var clock atomic.Int64
	clock.Store(time.Now().UnixMilli())
	gen, err := ids.NewGenerator(ids.DefaultEpoch, 1, 1, ids.WithClock(clock.Load))
	require.NoError(t, err)
	s, err := NewServer(database.New(gen, database.WithPasswordParams(fastPasswords)), DefaultConfig())
	require.NoError(t, err)

	sess := newDrainedSession(t, s)
	registerDirect(t, s, sess, "clocky")
	created := call(t, s, sess, &protocol.CreateChannelRequest{Name: "room"}).(*protocol.CreateChannelResponse)
	require.True(t, created.OK(), created.Err)
	send := &protocol.SendMessageRequest{ChannelID: created.Value.UID, Text: "hi"}

	first := call(t, s, sess, send).(*protocol.SendMessageResponse)
	require.True(t, first.OK(), first.Err)

	clock.Add(-50)
	rewound := call(t, s, sess, send).(*protocol.SendMessageResponse)
	assert.Equal(t, "internal server error", rewound.Err)

	clock.Add(1000)
	after := call(t, s, sess, send).(*protocol.SendMessageResponse)
	assert.Equal(t, database.ErrIDsHalted.Error(), after.Err)

	rec := httptest.NewRecorder()
	s.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ids_halted"`)
}
