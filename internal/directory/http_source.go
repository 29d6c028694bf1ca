package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/commhub/communication-server/internal/errs"
	"github.com/commhub/communication-server/internal/models"
)

const (
	// DefaultHTTPTimeout bounds a directory request.
	DefaultHTTPTimeout = 10 * time.Second

	defaultByIDPath       = "/client-db-info"
	defaultByUsernamePath = "/client-db-info/by-username/"

	// InternalTokenHeader authenticates service-to-service calls.
	InternalTokenHeader = "X-Internal-Token"

	maxBody = 1 << 20
)

// HTTPSourceOptions configures an HTTPSource.
type HTTPSourceOptions struct {
	BaseURL        string
	InternalToken  string
	Timeout        time.Duration
	ByIDPath       string
	ByUsernamePath string
	Client         *http.Client
}

// HTTPSource fetches tenant metadata from the accounts service.
type HTTPSource struct {
	base           string
	token          string
	byIDPath       string
	byUsernamePath string
	client         *http.Client
}

// NewHTTPSource creates an HTTP source.
func NewHTTPSource(opts HTTPSourceOptions) (*HTTPSource, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errs.New(errs.Configuration, "directory base URL not configured")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, errs.Wrap(errs.Configuration, err, "invalid directory base URL")
	}

	s := &HTTPSource{
		base:           base,
		token:          strings.TrimSpace(opts.InternalToken),
		byIDPath:       opts.ByIDPath,
		byUsernamePath: opts.ByUsernamePath,
		client:         opts.Client,
	}
	if s.byIDPath == "" {
		s.byIDPath = defaultByIDPath
	}
	if s.byUsernamePath == "" {
		s.byUsernamePath = defaultByUsernamePath
	}
	if s.client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultHTTPTimeout
		}
		s.client = &http.Client{Timeout: timeout}
	}
	return s, nil
}

func (s *HTTPSource) url(l Lookup) string {
	if l.ClientID > 0 {
		q := url.Values{"client_id": {strconv.FormatInt(l.ClientID, 10)}}
		return s.base + s.byIDPath + "?" + q.Encode()
	}
	p := s.byUsernamePath
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return s.base + p + url.PathEscape(l.Username)
}

// Fetch implements Source.
func (s *HTTPSource) Fetch(ctx context.Context, l Lookup) (*Fetched, error) {
	if !l.Valid() {
		return nil, errs.New(errs.Validation, "client id or username is required")
	}

	target := s.url(l)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errs.Wrap(errs.Directory, err, "build directory request")
	}
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set(InternalTokenHeader, s.token)
	}

	log.Debug().Str("url", target).Msg("Fetching tenant database info")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.Directory, err, "directory request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, errs.Wrap(errs.Directory, err, "read directory response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, errs.New(errs.Directory, "directory error %d: %s",
			resp.StatusCode, errs.Truncate(string(body), errs.SummaryLimit))
	}

	return parseDirectoryResponse(body, l)
}

func parseDirectoryResponse(body []byte, l Lookup) (*Fetched, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var data map[string]interface{}
	if err := dec.Decode(&data); err != nil {
		return nil, errs.New(errs.Directory, "directory returned non-JSON response")
	}

	fields := make(map[string]string, len(data))
	for k, v := range data {
		fields[k] = scalar(v)
	}

	for _, k := range []string{"db_name", "db_user", "db_host", "db_port"} {
		if fields[k] == "" {
			return nil, errs.New(errs.Directory, "missing key %q in directory response", k)
		}
	}
	if fields["db_password_encrypted"] == "" && fields["db_password"] == "" {
		return nil, errs.New(errs.Directory, "missing db_password or db_password_encrypted in directory response")
	}

	port, err := strconv.Atoi(fields["db_port"])
	if err != nil || port < 1 || port > 65535 {
		return nil, errs.New(errs.Directory, "invalid db_port %q in directory response", fields["db_port"])
	}

	clientID := l.ClientID
	if v := fields["user_id"]; v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			clientID = id
		}
	}

	alias := fields["alias"]
	if alias == "" {
		if clientID <= 0 {
			return nil, errs.New(errs.Directory, "directory response has neither alias nor user_id")
		}
		alias = models.AliasFor(clientID)
	}

	dbType := models.DBType(fields["db_type"])
	if !dbType.Valid() {
		dbType = models.DBTypeClientHosted
	}

	username := fields["username"]
	if username == "" {
		username = l.Username
	}

	f := &Fetched{
		Record: &models.TenantRecord{
			ClientID:   clientID,
			Username:   username,
			Alias:      alias,
			DBName:     fields["db_name"],
			DBUser:     fields["db_user"],
			DBPassword: fields["db_password_encrypted"],
			DBHost:     fields["db_host"],
			DBPort:     port,
			DBType:     dbType,
		},
	}
	if f.Record.DBPassword == "" {
		f.Password = fields["db_password"]
	}
	return f, nil
}

// scalar renders a JSON scalar as a string; objects and arrays are empty.
func scalar(v interface{}) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return ""
	}
}

var _ Source = (*HTTPSource)(nil)
var _ Source = (*StoreSource)(nil)

func (s *HTTPSource) String() string {
	return fmt.Sprintf("http(%s)", s.base)
}
