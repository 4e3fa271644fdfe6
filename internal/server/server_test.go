// Integration tests for the content store gRPC server
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/nainya/contentstore/internal/logger"
	"github.com/nainya/contentstore/internal/metrics"
	"github.com/nainya/contentstore/pkg/errs"
	"github.com/nainya/contentstore/pkg/nodetype"
	"github.com/nainya/contentstore/pkg/observation"
	"github.com/nainya/contentstore/pkg/repository"
)

const bufSize = 1024 * 1024

func setupTestServer(t *testing.T) (*repository.Repository, *Client) {
	t.Helper()
	m := metrics.NewMetrics(prometheus.NewRegistry())
	repo, err := repository.Open(context.Background(), repository.Config{Metrics: m})
	require.NoError(t, err)

	lis := bufconn.Listen(bufSize)
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(GrpcMetricsInterceptor(m, logger.Nop())))
	RegisterContentStoreServer(grpcServer, NewServer(repo, nil))
	go func() {
		_ = grpcServer.Serve(lis)
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return lis.Dial()
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		grpcServer.Stop()
		lis.Close()
		repo.Close()
	})
	return repo, NewClient(conn)
}

func requireCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, status.Code(err), "got %v", err)
}

func TestAddAndGetNode(t *testing.T) {
	_, client := setupTestServer(t)
	ctx := context.Background()

	added, err := client.Call(ctx, "AddNode", map[string]any{
		"parentPath":  "/",
		"name":        "docs",
		"primaryType": nodetype.NTUnstructured,
		"user":        "alice",
	})
	require.NoError(t, err)
	id := added.Fields["id"].GetStringValue()
	require.NotEmpty(t, id)
	require.Equal(t, "/docs", added.Fields["path"].GetStringValue())

	_, err = client.Call(ctx, "SetProperty", map[string]any{
		"path":  "/docs",
		"name":  "pages",
		"type":  "Long",
		"value": "42",
	})
	require.NoError(t, err)
	_, err = client.Call(ctx, "SetProperty", map[string]any{
		"path":   "/docs",
		"name":   "tags",
		"values": []any{"a", "b"},
	})
	require.NoError(t, err)

	got, err := client.Call(ctx, "GetNode", map[string]any{"id": id})
	require.NoError(t, err)
	require.Equal(t, "/docs", got.Fields["path"].GetStringValue())
	props := got.Fields["properties"].GetStructValue().AsMap()
	pages := props["pages"].(map[string]any)
	require.Equal(t, "Long", pages["type"])
	require.Equal(t, []any{"42"}, pages["values"])
	tags := props["tags"].(map[string]any)
	require.Equal(t, true, tags["multiple"])
	require.Equal(t, []any{"a", "b"}, tags["values"])

	_, err = client.Call(ctx, "SetProperty", map[string]any{"path": "/docs", "name": "pages", "remove": true})
	require.NoError(t, err)
	got, err = client.Call(ctx, "GetNode", map[string]any{"path": "/docs"})
	require.NoError(t, err)
	_, ok := got.Fields["properties"].GetStructValue().Fields["pages"]
	require.False(t, ok)
}

func TestErrorsMapToStatusCodes(t *testing.T) {
	_, client := setupTestServer(t)
	ctx := context.Background()

	_, err := client.Call(ctx, "GetNode", map[string]any{"path": "/missing"})
	requireCode(t, err, codes.NotFound)

	_, err = client.Call(ctx, "GetNode", nil)
	requireCode(t, err, codes.InvalidArgument)

	_, err = client.Call(ctx, "AddNode", map[string]any{"parentPath": "/"})
	requireCode(t, err, codes.InvalidArgument)

	_, err = client.Call(ctx, "AddNode", map[string]any{"parentPath": "/", "name": "n", "workspace": "nowhere"})
	requireCode(t, err, codes.NotFound)

	_, err = client.Call(ctx, "AddNode", map[string]any{"parentPath": "/", "name": "n", "primaryType": nodetype.NTUnstructured})
	require.NoError(t, err)
	_, err = client.Call(ctx, "SetProperty", map[string]any{"path": "/n", "name": "p", "type": "Long", "value": "many"})
	requireCode(t, err, codes.InvalidArgument)
	_, err = client.Call(ctx, "SetProperty", map[string]any{"path": "/n", "name": "p", "type": "Colour", "value": "red"})
	requireCode(t, err, codes.InvalidArgument)

	_, err = client.Call(ctx, "Checkin", map[string]any{"path": "/n"})
	requireCode(t, err, codes.Unimplemented)
}

func TestStatusMapping(t *testing.T) {
	cases := map[errs.Kind]codes.Code{
		errs.KindNotFound:            codes.NotFound,
		errs.KindItemExists:          codes.AlreadyExists,
		errs.KindConstraintViolation: codes.FailedPrecondition,
		errs.KindValueFormat:         codes.InvalidArgument,
		errs.KindVersionConflict:     codes.Aborted,
		errs.KindLockConflict:        codes.Aborted,
		errs.KindUnsupported:         codes.Unimplemented,
		errs.KindInvalidQuery:        codes.InvalidArgument,
		errs.KindUnknown:             codes.Internal,
	}
	for kind, code := range cases {
		err := Status(errs.New(kind, "op", "subject", "failed"))
		require.Equal(t, code, status.Code(err), "kind %s", kind)
	}
	require.Equal(t, codes.Canceled, status.Code(Status(context.Canceled)))
	require.NoError(t, Status(nil))

	original := status.Error(codes.PermissionDenied, "no")
	require.Equal(t, original, Status(original))
}

func TestMoveAndRemove(t *testing.T) {
	_, client := setupTestServer(t)
	ctx := context.Background()

	for _, name := range []string{"a", "b"} {
		_, err := client.Call(ctx, "AddNode", map[string]any{"parentPath": "/", "name": name, "primaryType": nodetype.NTUnstructured})
		require.NoError(t, err)
	}
	_, err := client.Call(ctx, "Move", map[string]any{"src": "/b", "dest": "/a/b"})
	require.NoError(t, err)
	_, err = client.Call(ctx, "GetNode", map[string]any{"path": "/a/b"})
	require.NoError(t, err)

	_, err = client.Call(ctx, "RemoveItem", map[string]any{"path": "/a"})
	require.NoError(t, err)
	_, err = client.Call(ctx, "GetNode", map[string]any{"path": "/a/b"})
	requireCode(t, err, codes.NotFound)
}

func TestVersioningOverGrpc(t *testing.T) {
	_, client := setupTestServer(t)
	ctx := context.Background()

	_, err := client.Call(ctx, "AddNode", map[string]any{
		"parentPath":  "/",
		"name":        "doc",
		"primaryType": nodetype.NTUnstructured,
		"mixins":      []any{nodetype.MixVersionable},
	})
	require.NoError(t, err)

	v1, err := client.Call(ctx, "Checkin", map[string]any{"path": "/doc", "user": "alice"})
	require.NoError(t, err)
	require.Equal(t, "1.0", v1.Fields["name"].GetStringValue())
	require.Equal(t, "alice", v1.Fields["createdBy"].GetStringValue())

	_, err = client.Call(ctx, "SetProperty", map[string]any{"path": "/doc", "name": "text", "value": "x"})
	requireCode(t, err, codes.Aborted)

	_, err = client.Call(ctx, "Checkout", map[string]any{"path": "/doc"})
	require.NoError(t, err)
	_, err = client.Call(ctx, "SetProperty", map[string]any{"path": "/doc", "name": "text", "value": "x"})
	require.NoError(t, err)
	_, err = client.Call(ctx, "Checkin", map[string]any{"path": "/doc"})
	require.NoError(t, err)

	h, err := client.Call(ctx, "VersionHistory", map[string]any{"path": "/doc"})
	require.NoError(t, err)
	versions := h.Fields["versions"].GetListValue().GetValues()
	require.Len(t, versions, 2)
	require.Equal(t, "1.1", versions[1].GetStructValue().Fields["name"].GetStringValue())
	require.Equal(t, v1.Fields["id"].GetStringValue(), h.Fields["rootVersion"].GetStringValue())
}

func TestQueryOverGrpc(t *testing.T) {
	_, client := setupTestServer(t)
	ctx := context.Background()

	for i, name := range []string{"alpha", "beta", "gamma"} {
		_, err := client.Call(ctx, "AddNode", map[string]any{"parentPath": "/", "name": name, "primaryType": nodetype.NTUnstructured})
		require.NoError(t, err)
		_, err = client.Call(ctx, "SetProperty", map[string]any{
			"path":  "/" + name,
			"name":  "rank",
			"type":  "Long",
			"value": []string{"3", "1", "2"}[i],
		})
		require.NoError(t, err)
	}

	res, err := client.Call(ctx, "Query", map[string]any{
		"nodeType":   nodetype.NTUnstructured,
		"where":      []any{map[string]any{"property": "rank", "operator": ">=", "value": "2"}},
		"orderBy":    "rank",
		"descending": true,
		"columns":    []any{"rank"},
	})
	require.NoError(t, err)
	rows := res.Fields["rows"].GetListValue().GetValues()
	require.Len(t, rows, 2)
	first := rows[0].GetStructValue().AsMap()
	require.Equal(t, "/alpha", first["path"])
	require.Equal(t, "3", first["values"].(map[string]any)["rank"])
	require.Equal(t, float64(2), res.Fields["total"].GetNumberValue())

	_, err = client.Call(ctx, "Query", map[string]any{
		"nodeType": nodetype.NTUnstructured,
		"where":    []any{map[string]any{"property": "rank", "operator": "~"}},
	})
	requireCode(t, err, codes.InvalidArgument)

	_, err = client.Call(ctx, "Query", map[string]any{})
	requireCode(t, err, codes.InvalidArgument)
}

func TestHealthAndStats(t *testing.T) {
	_, client := setupTestServer(t)
	ctx := context.Background()

	health, err := client.Call(ctx, "Health", nil)
	require.NoError(t, err)
	require.True(t, health.Fields["healthy"].GetBoolValue())
	require.Equal(t, Version, health.Fields["version"].GetStringValue())

	_, err = client.Call(ctx, "AddNode", map[string]any{"parentPath": "/", "name": "n", "primaryType": nodetype.NTUnstructured})
	require.NoError(t, err)

	stats, err := client.Call(ctx, "Stats", nil)
	require.NoError(t, err)
	ws := stats.Fields["workspaces"].GetStructValue().AsMap()
	require.Equal(t, float64(2), ws[repository.DefaultWorkspace])
	require.Equal(t, float64(0), stats.Fields["sessions"].GetNumberValue())
	require.Greater(t, stats.Fields["nodeTypes"].GetNumberValue(), float64(0))
}

func newObservability(t *testing.T) (*repository.Repository, *httptest.Server) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	repo, err := repository.Open(context.Background(), repository.Config{Metrics: m})
	require.NoError(t, err)
	srv := httptest.NewServer(NewRouter(repo, logger.Nop(), ObservabilityOptions{Gatherer: reg}))
	t.Cleanup(func() {
		srv.Close()
		repo.Close()
	})
	return repo, srv
}

func addNode(t *testing.T, repo *repository.Repository, name string) {
	t.Helper()
	s, err := repo.Login("", "alice")
	require.NoError(t, err)
	defer s.Logout()
	_, err = s.AddNode("/", name, nodetype.NTUnstructured)
	require.NoError(t, err)
	require.NoError(t, s.Save(context.Background()))
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestObservabilityEndpoints(t *testing.T) {
	repo, srv := newObservability(t)
	addNode(t, repo, "first")

	var health map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/health", &health))
	require.Equal(t, "healthy", health["status"])

	var ready map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/ready", &ready))
	require.Equal(t, "ready", ready["status"])

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var journal struct {
		Events []observation.Event `json:"events"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/journal?types=NODE_ADDED", &journal))
	require.Len(t, journal.Events, 1)
	require.Equal(t, "/first", journal.Events[0].Path)

	require.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/journal?types=EXPLODED", nil))
	require.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/journal?after=soon", nil))
}

func TestEventStreamDeliversBundles(t *testing.T) {
	repo, srv := newObservability(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events?types=NODE_ADDED"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	addNode(t, repo, "streamed")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var bundle []observation.Event
	require.NoError(t, conn.ReadJSON(&bundle))
	require.Len(t, bundle, 1)
	require.Equal(t, "/streamed", bundle[0].Path)
	require.Equal(t, observation.NodeAdded, bundle[0].Type)
}

func TestExportAndImportOverGrpc(t *testing.T) {
	_, client := setupTestServer(t)
	ctx := context.Background()

	added, err := client.Call(ctx, "AddNode", map[string]any{
		"parentPath":  "/",
		"name":        "page",
		"primaryType": nodetype.NTUnstructured,
	})
	require.NoError(t, err)
	id := added.Fields["id"].GetStringValue()
	_, err = client.Call(ctx, "SetProperty", map[string]any{"path": "/page", "name": "title", "value": "Home"})
	require.NoError(t, err)

	exported, err := client.Call(ctx, "Export", map[string]any{"path": "/page"})
	require.NoError(t, err)
	doc := exported.Fields["document"].GetStructValue().AsMap()
	require.Equal(t, id, doc["identifier"])

	_, err = client.Call(ctx, "Import", map[string]any{"parentPath": "/", "document": doc, "policy": "throw"})
	requireCode(t, err, codes.AlreadyExists)
	_, err = client.Call(ctx, "Import", map[string]any{"parentPath": "/", "document": doc, "policy": "merge"})
	requireCode(t, err, codes.InvalidArgument)

	doc["name"] = "page-copy"
	imported, err := client.Call(ctx, "Import", map[string]any{"parentPath": "/", "document": doc})
	require.NoError(t, err)
	require.NotEqual(t, id, imported.Fields["id"].GetStringValue())

	got, err := client.Call(ctx, "GetNode", map[string]any{"path": "/page-copy"})
	require.NoError(t, err)
	props := got.Fields["properties"].GetStructValue().AsMap()
	title := props["title"].(map[string]any)
	require.Equal(t, []any{"Home"}, title["values"])
}
