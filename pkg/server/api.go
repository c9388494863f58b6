package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/nicktill/timeindex/pkg/config"
	"github.com/nicktill/timeindex/pkg/httpx"
	"github.com/nicktill/timeindex/pkg/index"
	"github.com/nicktill/timeindex/pkg/metrics"
	"github.com/nicktill/timeindex/pkg/server/monitor"
	"github.com/nicktill/timeindex/pkg/storage"
	"github.com/nicktill/timeindex/pkg/timetree"
)

// API serves the index over HTTP
type API struct {
	ix      *index.Indexer
	hub     *Hub
	storage *monitor.StorageMonitor
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// NewAPI creates the index handlers. hub, sm and m may be nil.
func NewAPI(ix *index.Indexer, hub *Hub, sm *monitor.StorageMonitor, m *metrics.Metrics, log zerolog.Logger) *API {
	return &API{ix: ix, hub: hub, storage: sm, metrics: m, log: log}
}

// CreateEntryRequest is the body of POST /v1/indexes/{index}/entries
type CreateEntryRequest struct {
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
	// CreatedAt defaults to the store's current time
	CreatedAt *time.Time  `json:"created_at,omitempty"`
	Tag       storage.Tag `json:"tag,omitempty"`
}

// CreateEntryResponse reports where an entry was filed
type CreateEntryResponse struct {
	Index  string          `json:"index"`
	Entry  storage.Addr    `json:"entry"`
	Bucket timetree.Bucket `json:"bucket"`
	Note   index.Note      `json:"note"`
}

// BucketView is a bucket with its decoded tree path
type BucketView struct {
	index.BucketLinks
	Path []timetree.Segment `json:"path"`
}

// EntriesResponse is the body of the entries endpoint
type EntriesResponse struct {
	Index   string       `json:"index"`
	Count   int          `json:"count"`
	Entries []index.Note `json:"entries"`
}

// LinksResponse is the body of the links endpoint
type LinksResponse struct {
	Index string         `json:"index"`
	Count int            `json:"count"`
	Links []storage.Link `json:"links"`
}

// RemoveResponse is the body of DELETE /v1/entries/{addr}
type RemoveResponse struct {
	Entry   storage.Addr `json:"entry"`
	Removed int          `json:"removed"`
}

// HandleCreateEntry stores a note and indexes it
func (a *API) HandleCreateEntry(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["index"]

	if a.storage != nil {
		if err := a.storage.CheckLimit(); err != nil {
			if errors.Is(err, monitor.ErrStorageFull) {
				httpx.RespondError(w, http.StatusInsufficientStorage, err)
				return
			}
			a.log.Warn().Err(err).Msg("storage limit check failed")
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, config.MaxRequestBytes)
	var req CreateEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.RespondErr(w, fmt.Errorf("%w: invalid JSON body: %v", timetree.ErrRequest, err))
		return
	}

	createdAt := a.ix.Store().Now()
	if req.CreatedAt != nil {
		createdAt = *req.CreatedAt
	}
	note, err := index.NewNote(req.Title, req.Body, createdAt)
	if err != nil {
		httpx.RespondErr(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.IndexTimeout)
	defer cancel()

	ref, err := index.Put(ctx, a.ix, name, note, req.Tag)
	if err != nil {
		a.respondErr(w, "create entry", err)
		return
	}
	if a.metrics != nil {
		a.metrics.EntriesIndexed.Inc()
	}

	a.publish(Event{
		Type:      EventEntryIndexed,
		Index:     name,
		Entry:     note.Address(),
		Bucket:    &ref.Bucket,
		Timestamp: note.CreatedAt,
	})

	httpx.RespondJSON(w, http.StatusCreated, CreateEntryResponse{
		Index:  name,
		Entry:  note.Address(),
		Bucket: ref.Bucket,
		Note:   note,
	})
}

// HandleLinks returns the entry links of an index within a span
func (a *API) HandleLinks(w http.ResponseWriter, r *http.Request) {
	q, err := a.spanQuery(r)
	if err != nil {
		httpx.RespondErr(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	links, err := a.ix.GetLinksForTimeSpan(ctx, q)
	if err != nil {
		a.respondErr(w, "query links", err)
		return
	}
	if links == nil {
		links = []storage.Link{}
	}
	httpx.RespondJSON(w, http.StatusOK, LinksResponse{Index: q.Index, Count: len(links), Links: links})
}

// HandleEntries returns the notes of an index within a span
func (a *API) HandleEntries(w http.ResponseWriter, r *http.Request) {
	q, err := a.spanQuery(r)
	if err != nil {
		httpx.RespondErr(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	notes, err := index.LoadForTimeSpan(ctx, a.ix, q, index.DecodeNote)
	if err != nil {
		a.respondErr(w, "load entries", err)
		return
	}
	if notes == nil {
		notes = []index.Note{}
	}
	httpx.RespondJSON(w, http.StatusOK, EntriesResponse{Index: q.Index, Count: len(notes), Entries: notes})
}

// HandleBuckets returns every bucket overlapping a span with its links
func (a *API) HandleBuckets(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["index"]
	params := r.URL.Query()

	from, until, err := spanParams(params, a.ix.Store().Now())
	if err != nil {
		httpx.RespondErr(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	buckets, err := a.ix.GetIndexesForTimeSpan(ctx, name, from, until, storage.Tag(params.Get("tag")))
	if err != nil {
		a.respondErr(w, "query buckets", err)
		return
	}

	views, err := a.bucketViews(name, buckets)
	if err != nil {
		a.respondErr(w, "describe buckets", err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, views)
}

// HandleCurrent returns the newest bucket covering the current time
func (a *API) HandleCurrent(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["index"]
	bl, err := a.ix.CurrentLinks(r.Context(), name, storage.Tag(r.URL.Query().Get("tag")))
	a.respondBucket(w, name, bl, err)
}

// HandleLatest returns the newest bucket ever written
func (a *API) HandleLatest(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["index"]
	bl, err := a.ix.LatestLinks(r.Context(), name, storage.Tag(r.URL.Query().Get("tag")))
	a.respondBucket(w, name, bl, err)
}

// HandleSince returns every bucket from since up to now
func (a *API) HandleSince(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["index"]
	params := r.URL.Query()

	since, err := httpx.TimeParam(params, "since", a.ix.Store().Now().Add(-config.DefaultQueryWindow))
	if err != nil {
		httpx.RespondErr(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	buckets, err := a.ix.GetAddressesSince(ctx, name, since, storage.Tag(params.Get("tag")))
	if err != nil {
		a.respondErr(w, "query since", err)
		return
	}
	views, err := a.bucketViews(name, buckets)
	if err != nil {
		a.respondErr(w, "describe buckets", err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, views)
}

// HandleRemove unindexes an entry from every bucket it was filed under
func (a *API) HandleRemove(w http.ResponseWriter, r *http.Request) {
	addr, err := storage.ParseAddr(mux.Vars(r)["addr"])
	if err != nil {
		httpx.RespondErr(w, fmt.Errorf("%w: %v", timetree.ErrRequest, err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.IndexTimeout)
	defer cancel()

	removed, err := a.ix.RemoveIndex(ctx, addr)
	if err != nil {
		a.respondErr(w, "remove index", err)
		return
	}
	if a.metrics != nil {
		a.metrics.IndexesRemoved.Add(float64(removed))
	}

	a.publish(Event{
		Type:      EventEntryRemoved,
		Entry:     addr,
		Removed:   removed,
		Timestamp: a.ix.Store().Now(),
	})
	httpx.RespondJSON(w, http.StatusOK, RemoveResponse{Entry: addr, Removed: removed})
}

// spanQuery builds a SpanQuery from the route and query string. The span
// defaults to the last DefaultQueryWindow ending now and the limit never
// exceeds MaxQueryLimit.
func (a *API) spanQuery(r *http.Request) (index.SpanQuery, error) {
	params := r.URL.Query()

	from, until, err := spanParams(params, a.ix.Store().Now())
	if err != nil {
		return index.SpanQuery{}, err
	}
	strategy, err := timetree.ParseStrategy(params.Get("strategy"))
	if err != nil {
		return index.SpanQuery{}, err
	}
	limit, err := httpx.IntParam(params, "limit", config.MaxQueryLimit, config.MaxQueryLimit)
	if err != nil {
		return index.SpanQuery{}, err
	}
	// 0 means unlimited to the indexer; over HTTP it still gets the cap
	if limit == 0 {
		limit = config.MaxQueryLimit
	}

	return index.SpanQuery{
		Index:    mux.Vars(r)["index"],
		From:     from,
		Until:    until,
		Tag:      storage.Tag(params.Get("tag")),
		Strategy: strategy,
		Limit:    limit,
	}, nil
}

func spanParams(params url.Values, now time.Time) (from, until time.Time, err error) {
	until, err = httpx.TimeParam(params, "until", now)
	if err != nil {
		return
	}
	from, err = httpx.TimeParam(params, "from", until.Add(-config.DefaultQueryWindow))
	return
}

func (a *API) bucketViews(name string, buckets []index.BucketLinks) ([]BucketView, error) {
	settings := a.ix.Settings()
	views := make([]BucketView, 0, len(buckets))
	for _, bl := range buckets {
		segments, err := timetree.DescribePath(settings.BucketPath(name, bl.Bucket))
		if err != nil {
			return nil, err
		}
		views = append(views, BucketView{BucketLinks: bl, Path: segments})
	}
	return views, nil
}

func (a *API) respondBucket(w http.ResponseWriter, name string, bl *index.BucketLinks, err error) {
	if err != nil {
		a.respondErr(w, "locate bucket", err)
		return
	}
	if bl == nil {
		httpx.RespondErrorString(w, http.StatusNotFound, fmt.Sprintf("index %q has no bucket", name))
		return
	}
	views, err := a.bucketViews(name, []index.BucketLinks{*bl})
	if err != nil {
		a.respondErr(w, "describe bucket", err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, views[0])
}

// respondErr logs server-side failures before writing them
func (a *API) respondErr(w http.ResponseWriter, op string, err error) {
	if status := httpx.StatusFor(err); status >= http.StatusInternalServerError {
		a.log.Error().Err(err).Str("op", op).Msg("request failed")
	}
	httpx.RespondErr(w, err)
}

func (a *API) publish(ev Event) {
	if a.hub == nil {
		return
	}
	if err := a.hub.Publish(ev); err != nil {
		a.log.Warn().Err(err).Str("type", ev.Type).Msg("failed to publish event")
	}
}
