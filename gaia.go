package vibemesh

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/hashicorp/go-metrics"
)

// Mean Earth radius, for great-circle distances.
const earthRadiusMeters = 6371000.0

// Payload is the opaque record the aggregator keeps per user or sprite.
// Sprite payloads conventionally carry "long", "lat" and a reachable "url".
type Payload map[string]any

// Img is a projection of aggregator state: the directory itself, a partial
// snapshot posted by a sprite, or the filtered view returned per query.
type Img struct {
	Users   map[string]Payload  `json:"users"`
	Sprites map[string]Payload  `json:"sprites"`
	Vibes   map[string][]string `json:"vibes"`
}

func newImg() Img {
	return Img{
		Users:   make(map[string]Payload),
		Sprites: make(map[string]Payload),
		Vibes:   make(map[string][]string),
	}
}

// SnapshotQuery scopes a snapshot. Zero-value fields disable their filter:
// NaN coordinates or radius mean "no geo filter", Sample <= 0 means
// unlimited, nil Targets means no adjacency filter.
type SnapshotQuery struct {
	Long   float64
	Lat    float64
	Radius float64

	Sample     int
	RequireURL bool
	Targets    []string
}

// NoSnapshotScope is the query matching the whole directory.
func NoSnapshotScope() SnapshotQuery {
	return SnapshotQuery{Long: math.NaN(), Lat: math.NaN(), Radius: math.NaN()}
}

// geoScoped reports whether the geo filter applies: it needs both finite
// coordinates and a finite radius, anything less disables it entirely.
func (q SnapshotQuery) geoScoped() bool {
	return isFinite(q.Long) && isFinite(q.Lat) && isFinite(q.Radius)
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Gaia is the process-wide directory of the overlay: known users, sprites
// and their adjacency, continuously merged from posted partial snapshots
// and served back as filtered, sampled projections.
type Gaia struct {
	lk      sync.Mutex
	users   map[string]Payload
	sprites map[string]Payload
	vibes   map[string][]string

	imgPath  string
	verifier TokenVerifier
	logger   *slog.Logger
	msink    metrics.MetricSink
}

func NewGaia(opts ...Option) (*Gaia, error) {
	cfg, logger, msink, err := buildConfig(opts)
	if err != nil {
		return nil, err
	}
	return &Gaia{
		users:    make(map[string]Payload),
		sprites:  make(map[string]Payload),
		vibes:    make(map[string][]string),
		verifier: cfg.verifier,
		logger:   logger,
		msink:    msink,
	}, nil
}

// Merge folds a partial snapshot into the directory, key by key. State is
// never replaced wholesale: keys absent from the partial keep their object
// identity, so consumers holding references observe live updates.
func (g *Gaia) Merge(partial Img) {
	g.lk.Lock()
	defer g.lk.Unlock()
	for user, payload := range partial.Users {
		g.users[user] = payload
	}
	for id, payload := range partial.Sprites {
		g.sprites[id] = payload
	}
	for id, targets := range partial.Vibes {
		g.vibes[id] = targets
	}
}

// Snapshot answers a scoped query:
//
//  1. candidates are geo-filtered when the query is fully geo-scoped
//     (strictly closer than Radius to the center; sprites without usable
//     coordinates never pass a geo filter),
//  2. then restricted to reachable sprites if RequireURL,
//  3. then to sprites with at least one adjacency entry toward a listed
//     target (peer id match, or user match for name-less targets),
//  4. then sampled with replacement down to Sample draws, duplicates
//     collapsing by id,
//  5. adjacency is restricted to sampled sources, targets untouched,
//  6. users are the known owners of sampled sprites and of every target in
//     the result.
func (g *Gaia) Snapshot(q SnapshotQuery) Img {
	g.lk.Lock()
	defer g.lk.Unlock()

	targetIDs, targetUsers := splitTargets(q.Targets)

	var candidates []string
	for id, payload := range g.sprites {
		if q.geoScoped() {
			dist := Haversine(q.Lat, q.Long, payloadNumber(payload, "lat"), payloadNumber(payload, "long"))
			if !(dist < q.Radius) {
				continue
			}
		}
		if q.RequireURL && payloadString(payload, "url") == "" {
			continue
		}
		if len(q.Targets) > 0 && !g.reachesTarget(id, targetIDs, targetUsers) {
			continue
		}
		candidates = append(candidates, id)
	}

	img := newImg()
	for _, id := range sample(candidates, q.Sample) {
		img.Sprites[id] = g.sprites[id]
	}
	for id := range img.Sprites {
		if targets, has := g.vibes[id]; has {
			img.Vibes[id] = targets
		}
	}

	owners := make(map[string]struct{})
	for id := range img.Sprites {
		owners[ParseID(id).User] = struct{}{}
	}
	for _, targets := range img.Vibes {
		for _, target := range targets {
			owners[ParseID(target).User] = struct{}{}
		}
	}
	for user := range owners {
		if payload, known := g.users[user]; known {
			img.Users[user] = payload
		}
	}
	return img
}

func (g *Gaia) reachesTarget(id string, targetIDs, targetUsers map[string]struct{}) bool {
	for _, target := range g.vibes[id] {
		if _, has := targetIDs[target]; has {
			return true
		}
		if _, has := targetUsers[ParseID(target).User]; has {
			return true
		}
	}
	return false
}

// splitTargets indexes the query's target list: entries with a name part
// match whole peer ids, name-less entries match any sprite of that user.
func splitTargets(targets []string) (ids, users map[string]struct{}) {
	ids = make(map[string]struct{})
	users = make(map[string]struct{})
	for _, target := range targets {
		if ParseID(target).Name != "" {
			ids[target] = struct{}{}
		} else {
			users[target] = struct{}{}
		}
	}
	return
}

// sample keeps every entry when n is unlimited (<= 0) or not exceeded,
// otherwise draws exactly n entries with replacement. Callers collapsing
// the draws by id may therefore end up with fewer than n.
func sample(entries []string, n int) []string {
	if n <= 0 || len(entries) <= n {
		return entries
	}
	drawn := make([]string, n)
	for i := range drawn {
		drawn[i] = entries[rand.IntN(len(entries))]
	}
	return drawn
}

// Haversine returns the great-circle distance in meters between two
// (lat, long) points given in degrees. Any NaN input propagates.
func Haversine(lat1, long1, lat2, long2 float64) float64 {
	const degToRad = math.Pi / 180.0
	phi1 := lat1 * degToRad
	phi2 := lat2 * degToRad
	dPhi := (lat2 - lat1) * degToRad
	dLambda := (long2 - long1) * degToRad

	sinPhi := math.Sin(dPhi / 2)
	sinLambda := math.Sin(dLambda / 2)
	a := sinPhi*sinPhi + math.Cos(phi1)*math.Cos(phi2)*sinLambda*sinLambda
	return 2 * earthRadiusMeters * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func payloadNumber(p Payload, key string) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return math.NaN()
		}
		return f
	default:
		return math.NaN()
	}
}

func payloadString(p Payload, key string) string {
	s, _ := p[key].(string)
	return s
}

// ServeHTTP handles the merge-and-snapshot endpoint: a POST from a
// JSON-accepting client merges the posted partial snapshot into the
// directory and answers with the projection its query parameters scope.
// Malformed requests get a structured 400, internal failures a 500 carrying
// the failure message.
func (g *Gaia) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.msink.IncrCounter(MetricGaiaRequestCount, 1.0)
	defer func() {
		if cause := recover(); cause != nil {
			g.logger.Error("snapshot request panicked", LabelError.L(cause))
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprint(cause))
		}
	}()

	if r.Method != http.MethodPost {
		g.badRequest(w, fmt.Sprintf("%s: method %s not allowed", ErrBadRequest, r.Method))
		return
	}
	if !acceptsJSON(r.Header.Get("Accept")) {
		g.badRequest(w, fmt.Sprintf("%s: client does not accept JSON", ErrBadRequest))
		return
	}

	if g.verifier != nil {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeJSONError(w, http.StatusUnauthorized, ErrMissingToken.Error())
			return
		}
		if _, err := g.verifier.Verify(r.Context(), token); err != nil {
			writeJSONError(w, http.StatusUnauthorized, ErrBadToken.Error())
			return
		}
	}

	query, err := parseSnapshotQuery(r.URL.Query())
	if err != nil {
		g.badRequest(w, err.Error())
		return
	}

	var partial Img
	if err := json.NewDecoder(r.Body).Decode(&partial); err != nil {
		g.badRequest(w, fmt.Sprintf("%s: %s", ErrBadRequest, err))
		return
	}

	g.Merge(partial)
	img := g.Snapshot(query)

	body, err := json.Marshal(img)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (g *Gaia) badRequest(w http.ResponseWriter, msg string) {
	g.msink.IncrCounter(MetricGaiaBadRequestCount, 1.0)
	writeJSONError(w, http.StatusBadRequest, msg)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func acceptsJSON(accept string) bool {
	if accept == "" {
		return true
	}
	for _, part := range strings.Split(accept, ",") {
		mediaType := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		switch mediaType {
		case "application/json", "application/*", "*/*":
			return true
		}
	}
	return false
}

func bearerToken(authorization string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(authorization, prefix) {
		return ""
	}
	return strings.TrimSpace(authorization[len(prefix):])
}

// parseSnapshotQuery decodes the endpoint's query string. Absent numeric
// parameters leave their filter disabled; unparsable values are a client
// error.
func parseSnapshotQuery(values url.Values) (SnapshotQuery, error) {
	q := NoSnapshotScope()
	var err error
	if q.Long, err = queryFloat(values, "long"); err != nil {
		return q, err
	}
	if q.Lat, err = queryFloat(values, "lat"); err != nil {
		return q, err
	}
	if q.Radius, err = queryFloat(values, "radius"); err != nil {
		return q, err
	}
	if raw := values.Get("sample"); raw != "" {
		q.Sample, err = strconv.Atoi(raw)
		if err != nil {
			return q, fmt.Errorf("%w: sample: %s", ErrBadRequest, err)
		}
	}
	if raw := values.Get("requireUrl"); raw != "" {
		q.RequireURL, err = strconv.ParseBool(raw)
		if err != nil {
			return q, fmt.Errorf("%w: requireUrl: %s", ErrBadRequest, err)
		}
	}
	if raw := values.Get("targets"); raw != "" {
		q.Targets = strings.FieldsFunc(raw, func(r rune) bool {
			return r == ',' || r == ' '
		})
	}
	return q, nil
}

func queryFloat(values url.Values, key string) (float64, error) {
	raw := values.Get(key)
	if raw == "" {
		return math.NaN(), nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return math.NaN(), fmt.Errorf("%w: %s: %s", ErrBadRequest, key, err)
	}
	return f, nil
}
