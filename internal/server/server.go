// Package server implements the gRPC content store service
package server

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nainya/contentstore/internal/logger"
	"github.com/nainya/contentstore/pkg/errs"
	"github.com/nainya/contentstore/pkg/query"
	"github.com/nainya/contentstore/pkg/repository"
	"github.com/nainya/contentstore/pkg/tree"
	"github.com/nainya/contentstore/pkg/value"
	"github.com/nainya/contentstore/pkg/version"
)

// Version is reported by Health
const Version = "1.0.0"

const anonymous = "anonymous"

// Server implements ContentStoreServer over a repository. Every write call
// runs in its own session and is saved before the call returns.
type Server struct {
	repo      *repository.Repository
	log       *logger.Logger
	startTime time.Time
}

// NewServer creates a new gRPC server instance
func NewServer(repo *repository.Repository, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	return &Server{
		repo:      repo,
		log:       log.Component("server"),
		startTime: time.Now(),
	}
}

// Status maps a repository error onto a gRPC status
func Status(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok && errs.KindOf(err) == errs.KindUnknown {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	code := codes.Internal
	switch errs.KindOf(err) {
	case errs.KindNotFound:
		code = codes.NotFound
	case errs.KindItemExists, errs.KindNodeTypeExists, errs.KindIdentityCollision:
		code = codes.AlreadyExists
	case errs.KindConstraintViolation, errs.KindReferentialIntegrity, errs.KindInvalidState:
		code = codes.FailedPrecondition
	case errs.KindValueFormat, errs.KindInvalidDefinition, errs.KindInvalidQuery:
		code = codes.InvalidArgument
	case errs.KindVersionConflict, errs.KindLockConflict:
		code = codes.Aborted
	case errs.KindUnsupported:
		code = codes.Unimplemented
	}
	return status.Error(code, err.Error())
}

type request struct {
	fields map[string]*structpb.Value
}

func newRequest(in *structpb.Struct) request {
	return request{fields: in.GetFields()}
}

func (r request) str(key string) string {
	return r.fields[key].GetStringValue()
}

func (r request) boolean(key string) bool {
	return r.fields[key].GetBoolValue()
}

func (r request) number(key string) int {
	return int(r.fields[key].GetNumberValue())
}

func (r request) strings(key string) []string {
	list := r.fields[key].GetListValue()
	if list == nil {
		return nil
	}
	out := make([]string, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		out = append(out, v.GetStringValue())
	}
	return out
}

func (r request) has(key string) bool {
	_, ok := r.fields[key]
	return ok
}

func (r request) require(keys ...string) error {
	var missing []string
	for _, k := range keys {
		if r.str(k) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return status.Errorf(codes.InvalidArgument, "%s required", strings.Join(missing, ", "))
	}
	return nil
}

func (r request) user() string {
	if u := r.str("user"); u != "" {
		return u
	}
	return anonymous
}

func respond(m map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// withSession runs fn in a fresh session of the request's workspace and
// saves it when fn succeeds
func (s *Server) withSession(ctx context.Context, r request, fn func(*repository.Session) error) error {
	sess, err := s.repo.Login(r.str("workspace"), r.user())
	if err != nil {
		return Status(err)
	}
	defer sess.Logout()
	if err := fn(sess); err != nil {
		return Status(err)
	}
	return Status(sess.Save(ctx))
}

func (s *Server) workspace(r request) (*tree.Store, error) {
	ws := r.str("workspace")
	if ws == "" {
		ws = repository.DefaultWorkspace
	}
	store, err := s.repo.Engine().Workspace(ws)
	if err != nil {
		return nil, Status(err)
	}
	return store, nil
}

func stringList(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func encodeProperty(p *tree.Property) map[string]any {
	vals := make([]any, len(p.Values))
	for i, v := range p.Values {
		vals[i] = v.String()
	}
	return map[string]any{
		"type":     p.Type.String(),
		"multiple": p.Multiple,
		"values":   vals,
	}
}

func encodeNode(n *tree.Node) map[string]any {
	props := make(map[string]any)
	for _, p := range n.Properties() {
		props[p.Name] = encodeProperty(p)
	}
	children := make([]string, len(n.Children))
	for i, c := range n.Children {
		children[i] = c.Name
	}
	return map[string]any{
		"id":          n.ID,
		"name":        n.Name,
		"path":        n.Path,
		"primaryType": n.PrimaryType,
		"mixins":      stringList(n.Mixins),
		"children":    stringList(children),
		"properties":  props,
	}
}

func encodeVersion(v *version.Version, labels []string) map[string]any {
	return map[string]any{
		"id":           v.ID,
		"name":         v.Name,
		"created":      v.Created.UTC().Format(time.RFC3339Nano),
		"createdBy":    v.CreatedBy,
		"predecessors": stringList(v.Predecessors),
		"successors":   stringList(v.Successors),
		"labels":       stringList(labels),
	}
}

// ========== Node Operations ==========

func (s *Server) GetNode(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r := newRequest(req)
	store, err := s.workspace(r)
	if err != nil {
		return nil, err
	}
	var n *tree.Node
	switch {
	case r.str("id") != "":
		n, err = store.GetByIdentifier(r.str("id"))
	case r.str("path") != "":
		n, err = store.GetByPath(r.str("path"))
	default:
		return nil, status.Error(codes.InvalidArgument, "path or id required")
	}
	if err != nil {
		return nil, Status(err)
	}
	return respond(encodeNode(n))
}

func (s *Server) AddNode(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r := newRequest(req)
	if err := r.require("parentPath", "name"); err != nil {
		return nil, err
	}
	var id, path string
	err := s.withSession(ctx, r, func(sess *repository.Session) error {
		var err error
		id, err = sess.AddNode(r.str("parentPath"), r.str("name"), r.str("primaryType"))
		if err != nil {
			return err
		}
		n, err := sess.GetNodeByIdentifier(id)
		if err != nil {
			return err
		}
		path = n.Path
		for _, mixin := range r.strings("mixins") {
			if err := sess.AddMixin(path, mixin); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return respond(map[string]any{"id": id, "path": path})
}

func (s *Server) SetProperty(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r := newRequest(req)
	if err := r.require("path", "name"); err != nil {
		return nil, err
	}
	t := value.String
	if name := r.str("type"); name != "" {
		var err error
		if t, err = value.ParseType(name); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
	}
	convert := func(raw string) (value.Value, error) {
		v, err := value.Convert(value.NewString(raw), t)
		if err != nil {
			return value.Value{}, status.Error(codes.InvalidArgument, err.Error())
		}
		return v, nil
	}

	err := s.withSession(ctx, r, func(sess *repository.Session) error {
		path, name := r.str("path"), r.str("name")
		switch {
		case r.boolean("remove"):
			return sess.RemoveProperty(path, name)
		case r.has("values"):
			raw := r.strings("values")
			vals := make([]value.Value, 0, len(raw))
			for _, s := range raw {
				v, err := convert(s)
				if err != nil {
					return err
				}
				vals = append(vals, v)
			}
			return sess.SetMultiProperty(path, name, vals)
		default:
			v, err := convert(r.str("value"))
			if err != nil {
				return err
			}
			return sess.SetProperty(path, name, v)
		}
	})
	if err != nil {
		return nil, err
	}
	return respond(map[string]any{"success": true})
}

func (s *Server) RemoveItem(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r := newRequest(req)
	if err := r.require("path"); err != nil {
		return nil, err
	}
	err := s.withSession(ctx, r, func(sess *repository.Session) error {
		return sess.RemoveItem(r.str("path"))
	})
	if err != nil {
		return nil, err
	}
	return respond(map[string]any{"success": true})
}

func (s *Server) Move(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r := newRequest(req)
	if err := r.require("src", "dest"); err != nil {
		return nil, err
	}
	err := s.withSession(ctx, r, func(sess *repository.Session) error {
		return sess.Move(r.str("src"), r.str("dest"))
	})
	if err != nil {
		return nil, err
	}
	return respond(map[string]any{"success": true})
}

// Import adds a document below parentPath. The policy names how incoming
// identifiers that already exist are handled.
func (s *Server) Import(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r := newRequest(req)
	if err := r.require("parentPath"); err != nil {
		return nil, err
	}
	docValue := r.fields["document"].GetStructValue()
	if docValue == nil {
		return nil, status.Error(codes.InvalidArgument, "document required")
	}
	raw, err := json.Marshal(docValue.AsMap())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "document: %v", err)
	}
	doc, err := repository.ParseDocument(raw)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	policy, err := repository.ParseCollisionPolicy(r.str("policy"))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	var id string
	err = s.withSession(ctx, r, func(sess *repository.Session) error {
		var err error
		id, err = sess.Import(r.str("parentPath"), doc, policy)
		return err
	})
	if err != nil {
		return nil, err
	}
	return respond(map[string]any{"success": true, "id": id})
}

// Export returns the subtree at path as a document
func (s *Server) Export(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r := newRequest(req)
	if err := r.require("path"); err != nil {
		return nil, err
	}
	sess, err := s.repo.Login(r.str("workspace"), r.user())
	if err != nil {
		return nil, Status(err)
	}
	defer sess.Logout()
	doc, err := sess.Export(r.str("path"))
	if err != nil {
		return nil, Status(err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode document: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode document: %v", err)
	}
	return respond(map[string]any{"document": m})
}

// ========== Version Operations ==========

func (s *Server) Checkin(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r := newRequest(req)
	if err := r.require("path"); err != nil {
		return nil, err
	}
	var v *version.Version
	err := s.withSession(ctx, r, func(sess *repository.Session) error {
		var err error
		v, err = sess.Checkin(ctx, r.str("path"))
		return err
	})
	if err != nil {
		return nil, err
	}
	return respond(encodeVersion(v, nil))
}

func (s *Server) Checkout(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r := newRequest(req)
	if err := r.require("path"); err != nil {
		return nil, err
	}
	err := s.withSession(ctx, r, func(sess *repository.Session) error {
		return sess.Checkout(ctx, r.str("path"))
	})
	if err != nil {
		return nil, err
	}
	return respond(map[string]any{"success": true})
}

func (s *Server) VersionHistory(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r := newRequest(req)
	if err := r.require("path"); err != nil {
		return nil, err
	}
	store, err := s.workspace(r)
	if err != nil {
		return nil, err
	}
	n, err := store.GetByPath(r.str("path"))
	if err != nil {
		return nil, Status(err)
	}
	h, err := s.repo.Versions().History(n.ID)
	if err != nil {
		return nil, Status(err)
	}
	versions := make([]any, len(h.Versions))
	for i, v := range h.Versions {
		versions[i] = encodeVersion(v, h.LabelsOf(v.ID))
	}
	return respond(map[string]any{
		"id":            h.ID,
		"versionableId": h.VersionableID,
		"rootVersion":   h.RootVersion,
		"versions":      versions,
	})
}

// ========== Query ==========

var operators = map[string]query.Operator{
	"=":    query.OpEqual,
	"<>":   query.OpNotEqual,
	"!=":   query.OpNotEqual,
	"<":    query.OpLessThan,
	"<=":   query.OpLessThanOrEqual,
	">":    query.OpGreaterThan,
	">=":   query.OpGreaterThanOrEqual,
	"like": query.OpLike,
}

// buildQuery turns a request into a single-selector query. Recognised
// fields: nodeType, where (list of {property, operator, value}), fullText,
// descendantOf, childOf, orderBy, descending, limit, offset, columns.
func buildQuery(r request) (query.Query, error) {
	nodeType := r.str("nodeType")
	if nodeType == "" {
		return query.Query{}, status.Error(codes.InvalidArgument, "nodeType required")
	}
	const sel = "n"
	b := query.From(nodeType, sel)

	for _, item := range r.fields["where"].GetListValue().GetValues() {
		c := newRequest(item.GetStructValue())
		op, ok := operators[strings.ToLower(c.str("operator"))]
		if !ok {
			if c.str("operator") != "" {
				return query.Query{}, status.Errorf(codes.InvalidArgument, "unknown operator %q", c.str("operator"))
			}
			op = query.OpEqual
		}
		if c.str("property") == "" {
			return query.Query{}, status.Error(codes.InvalidArgument, "where.property required")
		}
		b.Where(query.Compare(query.Prop(sel, c.str("property")), op, value.NewString(c.str("value"))))
	}
	if ft := r.str("fullText"); ft != "" {
		b.Where(query.FullTextSearch{Selector: sel, Expression: query.Literal{Value: value.NewString(ft)}})
		b.OrderBy(query.FullTextSearchScore{Selector: sel}, true)
	}
	if p := r.str("descendantOf"); p != "" {
		b.Where(query.DescendantNode{Selector: sel, Path: p})
	}
	if p := r.str("childOf"); p != "" {
		b.Where(query.ChildNode{Selector: sel, Path: p})
	}
	if p := r.str("orderBy"); p != "" {
		b.OrderBy(query.Prop(sel, p), r.boolean("descending"))
	}
	for _, col := range r.strings("columns") {
		b.Column(sel, col, col)
	}
	if r.has("limit") {
		b.Limit(r.number("limit"))
	}
	if r.has("offset") {
		b.Offset(r.number("offset"))
	}
	return b.Build(), nil
}

func (s *Server) Query(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r := newRequest(req)
	q, err := buildQuery(r)
	if err != nil {
		return nil, err
	}
	sess, err := s.repo.Login(r.str("workspace"), r.user())
	if err != nil {
		return nil, Status(err)
	}
	defer sess.Logout()

	res, err := sess.Query(ctx, q, nil)
	if err != nil {
		return nil, Status(err)
	}
	cols := res.Columns()
	rows := make([]any, 0, res.Len())
	it := res.Rows()
	for it.Next() {
		row := it.Row()
		vals := make(map[string]any, len(cols))
		for _, c := range cols {
			if v, ok := row.Value(c); ok {
				vals[c] = v.String()
			}
		}
		rows = append(rows, map[string]any{
			"path":   row.Path("n"),
			"score":  row.Score("n"),
			"values": vals,
		})
	}
	return respond(map[string]any{
		"columns": stringList(cols),
		"rows":    rows,
		"total":   res.Total,
		"hasMore": res.HasMore,
	})
}

// ========== Health & Status ==========

func (s *Server) Health(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return respond(map[string]any{
		"healthy":       true,
		"version":       Version,
		"uptimeSeconds": int64(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) Stats(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	st := s.repo.Stats()
	workspaces := make(map[string]any, len(st.Workspaces))
	for ws, n := range st.Workspaces {
		workspaces[ws] = n
	}
	return respond(map[string]any{
		"seq":        st.Seq,
		"workspaces": workspaces,
		"nodeTypes":  st.NodeTypes,
		"histories":  st.Histories,
		"sessions":   st.Sessions,
		"locks":      st.Locks,
	})
}
