package entities

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/base44/go-sdk/httpclient"
	"github.com/base44/go-sdk/models"
	"github.com/base44/go-sdk/realtime"
	"github.com/base44/go-sdk/testutil"
)

type recordingRequester struct {
	methods []string
	paths   []string
	reply   any
	err     error
}

func (r *recordingRequester) Do(ctx context.Context, method, path string, body, out any) error {
	r.methods = append(r.methods, method)
	r.paths = append(r.paths, path)
	if r.err != nil {
		return r.err
	}
	if out == nil || r.reply == nil {
		return nil
	}
	data, err := json.Marshal(r.reply)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func newModule(req httpclient.Requester, sock *testutil.FakeSocket) *Module {
	opts := Options{AppID: testutil.TestAppID, HTTP: req}
	if sock != nil {
		opts.Socket = sock
		opts.Registry = realtime.NewRegistry(sock, realtime.RegistryOptions{})
	}
	return New(opts)
}

func TestEntity_CachedPerName(t *testing.T) {
	m := newModule(&recordingRequester{}, nil)
	a := m.Entity("Task")
	b := m.Entity("Task")
	c := m.Entity("Note")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Equal(t, "Task", a.Name())
	assert.ElementsMatch(t, []string{"Task", "Note"}, m.Names())
}

func TestHandler_CRUD(t *testing.T) {
	req := &recordingRequester{reply: Record{"id": "t1", "title": "Write docs"}}
	tasks := newModule(req, nil).Entity("Task")
	ctx := context.Background()

	rec, err := tasks.Create(ctx, Record{"title": "Write docs"})
	require.NoError(t, err)
	assert.Equal(t, "t1", rec.ID())

	_, err = tasks.Get(ctx, "t1")
	require.NoError(t, err)
	_, err = tasks.Update(ctx, "t1", Record{"title": "Ship"})
	require.NoError(t, err)
	require.NoError(t, tasks.Delete(ctx, "t1"))

	req.reply = []Record{{"id": "t1"}, {"id": "t2"}}
	list, err := tasks.List(ctx, httpclient.ListOptions{Query: map[string]any{"done": false}})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	assert.Equal(t, []string{"POST", "GET", "PUT", "DELETE", "GET"}, req.methods)
	assert.Equal(t, "/api/apps/app-test/entities/Task", req.paths[0])
	assert.Equal(t, "/api/apps/app-test/entities/Task/t1", req.paths[1])
	assert.Equal(t, "/api/apps/app-test/entities/Task?q=%7B%22done%22%3Afalse%7D", req.paths[4])
}

func TestHandler_MissingIDFailsFast(t *testing.T) {
	req := &recordingRequester{}
	tasks := newModule(req, nil).Entity("Task")
	ctx := context.Background()

	_, err := tasks.Get(ctx, "")
	assert.ErrorIs(t, err, ErrMissingID)
	_, err = tasks.Update(ctx, "", Record{})
	assert.ErrorIs(t, err, ErrMissingID)
	assert.ErrorIs(t, tasks.Delete(ctx, ""), ErrMissingID)
	assert.Empty(t, req.methods)

	_, err = newModule(req, nil).Entity("").List(ctx, httpclient.ListOptions{})
	assert.ErrorIs(t, err, ErrMissingName)
}

func TestHandler_ErrorsWrapped(t *testing.T) {
	apiErr := &httpclient.APIError{Status: 404, Message: "gone"}
	tasks := newModule(&recordingRequester{err: apiErr}, nil).Entity("Task")

	_, err := tasks.Get(context.Background(), "t1")
	assert.True(t, httpclient.IsNotFound(err))
	assert.Contains(t, err.Error(), "Task t1")
}

func TestHandler_Subscribe(t *testing.T) {
	sock := testutil.NewConnectedFakeSocket()
	tasks := newModule(&recordingRequester{}, sock).Entity("Task")

	var events []models.EntityEvent
	var errs []error
	unsub, err := tasks.Subscribe("t1", func(ev models.EntityEvent) { events = append(events, ev) }, func(err error) { errs = append(errs, err) })
	require.NoError(t, err)

	room := models.Room(testutil.TestAppID, "Task", "t1")
	assert.Equal(t, []any{room}, sock.SentEvents(models.EventJoin))

	sock.DeliverUpdate(room, models.EntityEvent{Type: "update", ID: "t1", Data: map[string]any{"title": "Ship"}})
	sock.DeliverUpdate(room, "garbage")

	require.Len(t, events, 1)
	assert.Equal(t, "update", events[0].Type)
	assert.Equal(t, "Ship", events[0].Data["title"])
	require.Len(t, errs, 1)
	var decodeErr *realtime.DecodeError
	assert.True(t, errors.As(errs[0], &decodeErr))

	unsub()
	sock.DeliverUpdate(room, models.EntityEvent{Type: "delete", ID: "t1"})
	assert.Len(t, events, 1)
}

func TestHandler_SubscribeCollectionAndQuery(t *testing.T) {
	sock := testutil.NewConnectedFakeSocket()
	tasks := newModule(&recordingRequester{}, sock).Entity("Task")

	_, err := tasks.Subscribe("", nil, nil)
	require.NoError(t, err)
	_, err = tasks.SubscribeQuery(map[string]any{"done": false, "owner": "u1"}, nil, nil)
	require.NoError(t, err)
	_, err = tasks.SubscribeQuery(map[string]any{"owner": "u1", "done": false}, nil, nil)
	require.NoError(t, err)

	queryRoom, err := models.QueryRoom(testutil.TestAppID, "Task", map[string]any{"done": false, "owner": "u1"})
	require.NoError(t, err)
	assert.Equal(t, []any{"entities:app-test:Task", queryRoom}, sock.SentEvents(models.EventJoin))
}

func TestHandler_SubscribeWithoutRealtime(t *testing.T) {
	tasks := newModule(&recordingRequester{}, nil).Entity("Task")
	_, err := tasks.Subscribe("t1", nil, nil)
	assert.ErrorIs(t, err, ErrRealtimeDisabled)
}

func TestHandler_SubscribeReservedName(t *testing.T) {
	sock := testutil.NewConnectedFakeSocket()
	convs := newModule(&recordingRequester{}, sock).Entity(models.ScopeConversations)

	_, err := convs.Subscribe("c1", nil, nil)
	assert.ErrorIs(t, err, ErrReservedName)
	_, err = convs.SubscribeQuery(map[string]any{"agent_name": "support-agent"}, nil, nil)
	assert.ErrorIs(t, err, ErrReservedName)
	assert.Empty(t, sock.Sent())
}
