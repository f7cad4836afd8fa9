// Package omero wraps the two surfaces of the external image
// repository this service consumes: the JSON web API (login, identity
// resolution, destination lookups, map annotations) and the import CLI
// (session creation and the actual in-place imports).
package omero

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/pkg/logger"
)

var log = logger.Get("OMERO")

const (
	tokenTemplate         = "%s/api/v0/token/"
	loginTemplate         = "%s/api/v0/login/"
	experimentersTemplate = "%s/api/v0/m/experimenters/?omename=%s"
	groupsTemplate        = "%s/api/v0/m/experimentergroups/?name=%s"
	membershipTemplate    = "%s/api/v0/m/experimenters/%d/experimentergroups/"
	datasetTemplate       = "%s/api/v0/m/datasets/%d/"
	screenTemplate        = "%s/api/v0/m/screens/%d/"
	annotationTemplate    = "%s/api/v0/m/annotations/"

	// Namespace attached to every map annotation this service creates.
	AnnotationNamespace = "omeroadi.import"
)

type (
	Config struct {
		Host     string
		Port     string
		WebURL   string
		User     string
		Password string

		// Session TTL for sudo'd user connections, in milliseconds.
		SessionTTL int
	}

	User struct {
		ID   int64
		Name string
	}

	Group struct {
		ID   int64
		Name string
	}

	// Gateway is the identity/metadata surface of the repository. The
	// import CLI (see CLI) is deliberately kept separate; workers use
	// both.
	Gateway interface {
		ResolveUser(ctx context.Context, name string) (*User, error)
		ResolveGroup(ctx context.Context, name string) (*Group, error)
		IsMember(ctx context.Context, user *User, group *Group) (bool, error)
		DestinationExists(ctx context.Context, destinationType string, id int64) (bool, error)
		AttachMapAnnotation(ctx context.Context, objectType string, objectID int64, kv []KeyValue) error
	}

	// KeyValue is a single annotation entry; order is preserved when
	// posting, as the repository renders annotations as entered.
	KeyValue struct {
		Key   string
		Value string
	}

	webGateway struct {
		config  Config
		client  *http.Client
		baseURL string

		// mu serialises the lazy login; the gateway is shared by every
		// pool worker.
		mu            sync.Mutex
		csrfToken     string
		authenticated bool
	}

	jsonList struct {
		Data []json.RawMessage `json:"data"`
		Meta struct {
			TotalCount int `json:"totalCount"`
		} `json:"meta"`
	}

	experimenterPayload struct {
		ID      int64  `json:"@id"`
		OmeName string `json:"omeName"`
	}

	groupPayload struct {
		ID   int64  `json:"@id"`
		Name string `json:"Name"`
	}
)

// NewGateway constructs a web gateway for the repository at the
// configured address. Login is performed lazily on first use and the
// (root-level) session is reused across calls.
func NewGateway(config Config) *webGateway {
	base := config.WebURL
	if base == "" {
		base = fmt.Sprintf("http://%s:4080", config.Host)
	}

	jar, _ := cookiejar.New(nil)
	return &webGateway{
		config:  config,
		baseURL: strings.TrimSuffix(base, "/"),
		client: &http.Client{
			Timeout: time.Second * 30,
			Jar:     jar,
		},
	}
}

// ensureSession logs in as the service (root-level) account if no
// session is active yet. Safe for concurrent use; the first caller
// performs the login while the rest wait.
func (gw *webGateway) ensureSession(ctx context.Context) error {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	if gw.authenticated {
		return nil
	}

	var token struct {
		Data string `json:"data"`
	}
	if err := gw.getJSON(ctx, fmt.Sprintf(tokenTemplate, gw.baseURL), &token); err != nil {
		return fmt.Errorf("failed to obtain CSRF token: %w", err)
	}
	gw.csrfToken = token.Data

	form := url.Values{}
	form.Set("username", gw.config.User)
	form.Set("password", gw.config.Password)
	form.Set("server", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf(loginTemplate, gw.baseURL), strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-CSRFToken", gw.csrfToken)
	req.Header.Set("Referer", gw.baseURL)

	resp, err := gw.client.Do(req)
	if err != nil {
		return fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("login rejected with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	gw.authenticated = true
	log.Emit(logger.SUCCESS, "Authenticated against repository web API as %s\n", gw.config.User)
	return nil
}

// ResolveUser looks the username up in the repository; a nil user with
// nil error is never returned - unknown users yield an error.
func (gw *webGateway) ResolveUser(ctx context.Context, name string) (*User, error) {
	if err := gw.ensureSession(ctx); err != nil {
		return nil, err
	}

	var list jsonList
	path := fmt.Sprintf(experimentersTemplate, gw.baseURL, url.QueryEscape(name))
	if err := gw.getJSON(ctx, path, &list); err != nil {
		return nil, err
	}

	for _, raw := range list.Data {
		var payload experimenterPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("malformed experimenter payload: %w", err)
		}
		if payload.OmeName == name {
			return &User{ID: payload.ID, Name: payload.OmeName}, nil
		}
	}

	return nil, fmt.Errorf("user %q does not exist in the repository", name)
}

// ResolveGroup looks the group name up in the repository.
func (gw *webGateway) ResolveGroup(ctx context.Context, name string) (*Group, error) {
	if err := gw.ensureSession(ctx); err != nil {
		return nil, err
	}

	var list jsonList
	path := fmt.Sprintf(groupsTemplate, gw.baseURL, url.QueryEscape(name))
	if err := gw.getJSON(ctx, path, &list); err != nil {
		return nil, err
	}

	for _, raw := range list.Data {
		var payload groupPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("malformed group payload: %w", err)
		}
		if payload.Name == name {
			return &Group{ID: payload.ID, Name: payload.Name}, nil
		}
	}

	return nil, fmt.Errorf("group %q does not exist in the repository", name)
}

// IsMember reports whether the user belongs to the group.
func (gw *webGateway) IsMember(ctx context.Context, user *User, group *Group) (bool, error) {
	if err := gw.ensureSession(ctx); err != nil {
		return false, err
	}

	var list jsonList
	path := fmt.Sprintf(membershipTemplate, gw.baseURL, user.ID)
	if err := gw.getJSON(ctx, path, &list); err != nil {
		return false, err
	}

	for _, raw := range list.Data {
		var payload groupPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return false, fmt.Errorf("malformed group payload: %w", err)
		}
		if payload.ID == group.ID {
			return true, nil
		}
	}
	return false, nil
}

// DestinationExists checks that the import target (Dataset or Screen)
// is present in the repository before any CLI invocation.
func (gw *webGateway) DestinationExists(ctx context.Context, destinationType string, id int64) (bool, error) {
	if err := gw.ensureSession(ctx); err != nil {
		return false, err
	}

	var template string
	switch strings.ToLower(destinationType) {
	case "dataset":
		template = datasetTemplate
	case "screen":
		template = screenTemplate
	default:
		return false, fmt.Errorf("unknown destination type %q", destinationType)
	}

	path := fmt.Sprintf(template, gw.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return false, err
	}
	resp, err := gw.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("destination lookup for %s %d returned status %d", destinationType, id, resp.StatusCode)
	}
}

// AttachMapAnnotation posts a map annotation onto the object provided,
// preserving entry order, under the service's namespace.
func (gw *webGateway) AttachMapAnnotation(ctx context.Context, objectType string, objectID int64, kv []KeyValue) error {
	if err := gw.ensureSession(ctx); err != nil {
		return err
	}

	values := make([][2]string, 0, len(kv))
	for _, entry := range kv {
		values = append(values, [2]string{entry.Key, entry.Value})
	}

	payload := map[string]any{
		"@type":      "http://www.openmicroscopy.org/Schemas/OME/2016-06#MapAnnotation",
		"Namespace":  AnnotationNamespace,
		"MapValue":   values,
		"TargetType": objectType,
		"TargetId":   objectID,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf(annotationTemplate, gw.baseURL), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-CSRFToken", gw.csrfToken)
	req.Header.Set("Referer", gw.baseURL)

	resp, err := gw.client.Do(req)
	if err != nil {
		return fmt.Errorf("annotation request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("annotation of %s %d rejected with status %d: %s", objectType, objectID, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	log.Emit(logger.INFO, "Annotated %s %d with %d entries\n", objectType, objectID, len(kv))
	return nil
}

func (gw *webGateway) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}

	resp, err := gw.client.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request to %s returned status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return nil
}
