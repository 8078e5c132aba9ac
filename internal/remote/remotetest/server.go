// Package remotetest provides an in-memory remote authority served over
// HTTP. It speaks the same protocol as the production remote and backs the
// tests and the `horus dev-remote` command.
package remotetest

import (
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mesh-intelligence/horus/internal/hashing"
	"github.com/mesh-intelligence/horus/internal/remote"
	"github.com/mesh-intelligence/horus/pkg/types"
)

type failure struct {
	status int
	times  int
}

// Server is an in-memory remote. All methods are safe for concurrent use.
type Server struct {
	mu       sync.Mutex
	schemes  []types.EntityScheme
	seeded   []types.EntityInstance
	rows     map[string]map[string]types.Attributes
	actions  []remote.WireAction
	nextID   int64
	token    string
	skew     bool
	failures map[string]*failure
	requests map[string]int
	pushes   [][]remote.WireAction
	now      func() time.Time
}

// NewServer returns a server publishing schemes.
func NewServer(schemes []types.EntityScheme) *Server {
	return &Server{
		schemes:  schemes,
		rows:     make(map[string]map[string]types.Attributes),
		failures: make(map[string]*failure),
		requests: make(map[string]int),
		now:      time.Now,
	}
}

// Start serves the remote on a local listener. Close the returned server
// when done.
func (s *Server) Start() *httptest.Server {
	return httptest.NewServer(s.Handler())
}

// Handler returns the gin engine serving the protocol.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(s.track, s.authorize, s.inject)

	r.GET("/migration", s.getMigration)
	r.GET("/data", s.getData)
	r.GET("/data/:entity", s.getEntityData)
	r.POST("/queue/actions", s.postActions)
	r.GET("/queue/actions", s.getActions)
	r.POST("/validate/hashing", s.validateHashing)
	r.POST("/validate/data", s.validateData)
	r.GET("/entity/:name/hashes", s.entityHashes)
	return r
}

// SetSchema replaces the published schema.
func (s *Server) SetSchema(schemes []types.EntityScheme) {
	s.mu.Lock()
	s.schemes = schemes
	s.mu.Unlock()
}

// Seed adds bulk data. Nested relations are kept for data responses and
// flattened into the row store used for hashes.
func (s *Server) Seed(instances ...types.EntityInstance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seeded = append(s.seeded, instances...)
	for _, inst := range instances {
		for _, row := range inst.Flatten() {
			s.putRow(row.Name, row.Attributes)
		}
	}
}

// AddAction records an action as if another device had pushed it. A zero
// ActionedAt is stamped with the server clock.
func (s *Server) AddAction(a types.Action) error {
	if a.ActionedAt.IsZero() {
		a.ActionedAt = s.now()
	}
	w, err := remote.NewWireAction(a)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendAction(w)
	return nil
}

// RequireToken rejects requests without "Authorization: Bearer token".
func (s *Server) RequireToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// SetHashSkew makes the server hash differently from clients.
func (s *Server) SetHashSkew(skew bool) {
	s.mu.Lock()
	s.skew = skew
	s.mu.Unlock()
}

// Fail makes the next times requests to method and route (for example
// "POST", "/queue/actions") answer with status.
func (s *Server) Fail(method, route string, status, times int) {
	s.mu.Lock()
	s.failures[method+" "+route] = &failure{status: status, times: times}
	s.mu.Unlock()
}

// Requests returns how many requests reached method and route.
func (s *Server) Requests(method, route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[method+" "+route]
}

// Pushes returns the chunks received on POST /queue/actions, in order.
func (s *Server) Pushes() [][]remote.WireAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]remote.WireAction, len(s.pushes))
	copy(out, s.pushes)
	return out
}

// Row returns a stored row.
func (s *Server) Row(entity, id string) (types.Attributes, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[entity][id]
	return row, ok
}

func (s *Server) track(c *gin.Context) {
	s.mu.Lock()
	s.requests[c.Request.Method+" "+c.FullPath()]++
	s.mu.Unlock()
	c.Next()
}

func (s *Server) authorize(c *gin.Context) {
	s.mu.Lock()
	token := s.token
	s.mu.Unlock()
	if token != "" && c.GetHeader("Authorization") != "Bearer "+token {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	c.Next()
}

func (s *Server) inject(c *gin.Context) {
	s.mu.Lock()
	f := s.failures[c.Request.Method+" "+c.FullPath()]
	status := 0
	if f != nil && f.times > 0 {
		f.times--
		status = f.status
	}
	s.mu.Unlock()
	if status != 0 {
		c.AbortWithStatusJSON(status, gin.H{"error": "injected failure"})
		return
	}
	c.Next()
}

func (s *Server) getMigration(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.JSON(http.StatusOK, s.schemes)
}

func (s *Server) getData(c *gin.Context) {
	after, ok := unixParam(c, "after")
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]remote.EntityData, 0, len(s.seeded))
	for _, inst := range s.seeded {
		if changedAfter(inst.Attributes, after) {
			out = append(out, remote.NewEntityData(inst))
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getEntityData(c *gin.Context) {
	entity := c.Param("entity")
	after, ok := unixParam(c, "after")
	if !ok {
		return
	}
	var ids map[string]bool
	if raw := c.Query("ids"); raw != "" {
		ids = make(map[string]bool)
		for _, id := range strings.Split(raw, ",") {
			ids[id] = true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.rows[entity]
	keys := make([]string, 0, len(rows))
	for id := range rows {
		if ids == nil || ids[id] {
			keys = append(keys, id)
		}
	}
	sort.Strings(keys)
	out := make([]remote.EntityData, 0, len(keys))
	for _, id := range keys {
		if changedAfter(rows[id], after) {
			out = append(out, remote.EntityData{Entity: entity, Data: rows[id]})
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) postActions(c *gin.Context) {
	var chunk []remote.WireAction
	if err := c.ShouldBindJSON(&chunk); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	decoded := make([]types.Action, len(chunk))
	for i, w := range chunk {
		a, err := w.ToAction()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		decoded[i] = a
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushes = append(s.pushes, chunk)
	for i, w := range chunk {
		s.appendAction(w)
		s.apply(decoded[i])
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "received": len(chunk)})
}

func (s *Server) getActions(c *gin.Context) {
	after, ok := unixParam(c, "after")
	if !ok {
		return
	}
	exclude := make(map[int64]bool)
	if raw := c.Query("exclude"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			ts, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "exclude: " + err.Error()})
				return
			}
			exclude[ts] = true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]remote.WireAction, 0)
	for _, w := range s.actions {
		if w.ActionedAt > after && !exclude[w.ActionedAt] {
			out = append(out, w)
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) validateHashing(c *gin.Context) {
	var req struct {
		Data types.Attributes `json:"data"`
		Hash string           `json:"hash"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	expected := s.hash(req.Data)
	c.JSON(http.StatusOK, hashing.Result{Expected: expected, Obtained: req.Hash, Matched: expected == req.Hash})
}

func (s *Server) validateData(c *gin.Context) {
	var req []hashing.EntityHash
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	out := make([]hashing.EntityResult, len(req))
	for i, eh := range req {
		expected := hashing.AggregateHash(s.rowHashes(eh.Entity))
		out[i] = hashing.EntityResult{
			Entity:            eh.Entity,
			HashingValidation: hashing.Result{Expected: expected, Obtained: eh.Hash, Matched: expected == eh.Hash},
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) entityHashes(c *gin.Context) {
	c.JSON(http.StatusOK, s.rowHashes(c.Param("name")))
}

func (s *Server) hash(attrs types.Attributes) string {
	s.mu.Lock()
	skew := s.skew
	s.mu.Unlock()
	if skew {
		attrs = append(append(types.Attributes{}, attrs...), types.Field{Name: "~skew", Value: types.String("1")})
	}
	return hashing.ComputeHash(attrs)
}

func (s *Server) rowHashes(entity string) []hashing.RowHash {
	s.mu.Lock()
	rows := s.rows[entity]
	out := make([]hashing.RowHash, 0, len(rows))
	snapshot := make(map[string]types.Attributes, len(rows))
	for id, row := range rows {
		snapshot[id] = row
	}
	s.mu.Unlock()
	for id, row := range snapshot {
		out = append(out, hashing.RowHash{ID: id, Hash: s.hash(row)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// appendAction assigns a remote id and logs w. Callers hold mu.
func (s *Server) appendAction(w remote.WireAction) {
	s.nextID++
	w.ID = s.nextID
	if w.ActionedAt == 0 {
		w.ActionedAt = s.now().Unix()
	}
	s.actions = append(s.actions, w)
}

// apply replays a pushed action against the row store. Callers hold mu.
func (s *Server) apply(a types.Action) {
	id := a.Data.ID.Canonical()
	switch a.Kind {
	case types.ActionInsert:
		s.putRow(a.Entity, a.Data.Attributes)
	case types.ActionUpdate:
		row, ok := s.rows[a.Entity][id]
		if !ok {
			return
		}
		for _, f := range a.Data.Attributes {
			row = row.Set(f.Name, f.Value)
		}
		s.rows[a.Entity][id] = row
	case types.ActionDelete:
		delete(s.rows[a.Entity], id)
	}
}

// putRow stores a copy of attrs keyed by id. Callers hold mu.
func (s *Server) putRow(entity string, attrs types.Attributes) {
	id, ok := attrs.Get(types.AttrID)
	if !ok {
		return
	}
	if s.rows[entity] == nil {
		s.rows[entity] = make(map[string]types.Attributes)
	}
	s.rows[entity][id.Canonical()] = append(types.Attributes{}, attrs.Dedup()...)
}

func changedAfter(attrs types.Attributes, after int64) bool {
	if after == 0 {
		return true
	}
	v, ok := attrs.Get(types.AttrSyncUpdatedAt)
	if !ok {
		return true
	}
	ts, ok := v.AsInt()
	return !ok || ts > after
}

func unixParam(c *gin.Context, name string) (int64, bool) {
	raw := c.Query(name)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + ": " + err.Error()})
		return 0, false
	}
	return v, true
}
