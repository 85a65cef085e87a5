package caldav

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const propfindCalendars = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:" xmlns:cs="http://calendarserver.org/ns/">
  <d:prop>
    <d:displayname/>
    <d:resourcetype/>
    <cs:getctag/>
  </d:prop>
</d:propfind>`

const reportEvents = `<?xml version="1.0" encoding="utf-8"?>
<c:calendar-query xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:prop>
    <d:getetag/>
    <c:calendar-data/>
  </d:prop>
  <c:filter>
    <c:comp-filter name="VCALENDAR">
      <c:comp-filter name="VEVENT"/>
    </c:comp-filter>
  </c:filter>
</c:calendar-query>`

// client speaks the CalDAV subset the engines need: PROPFIND to enumerate
// calendar collections, REPORT calendar-query to enumerate events, and
// PUT/DELETE with ETag preconditions for writes.
type client struct {
	baseURL string
	http    *http.Client
	auth    authorizer
	logger  *zap.Logger
}

func newClient(baseURL string, httpClient *http.Client, auth authorizer, logger *zap.Logger) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		auth:    auth,
		logger:  logger,
	}
}

type multistatus struct {
	Responses []msResponse `xml:"response"`
}

type msResponse struct {
	Href      string       `xml:"href"`
	Propstats []msPropstat `xml:"propstat"`
}

type msPropstat struct {
	Status string `xml:"status"`
	Prop   msProp `xml:"prop"`
}

type msProp struct {
	DisplayName  string         `xml:"displayname"`
	ResourceType msResourceType `xml:"resourcetype"`
	CTag         string         `xml:"getctag"`
	ETag         string         `xml:"getetag"`
	CalendarData string         `xml:"calendar-data"`
}

type msResourceType struct {
	Calendar *struct{} `xml:"calendar"`
}

func (c *client) ListCalendars(ctx context.Context) ([]RemoteCalendar, error) {
	ms, err := c.multistatusRequest(ctx, "PROPFIND", c.baseURL, propfindCalendars, "1")
	if err != nil {
		return nil, fmt.Errorf("list calendars: %w", err)
	}

	var out []RemoteCalendar
	for _, resp := range ms.Responses {
		prop, ok := okProp(resp)
		if !ok || prop.ResourceType.Calendar == nil {
			continue
		}
		name := prop.DisplayName
		if name == "" {
			name = pathLeaf(resp.Href)
		}
		out = append(out, RemoteCalendar{
			RemoteID: resp.Href,
			Name:     name,
			CTag:     prop.CTag,
		})
	}
	return out, nil
}

func (c *client) ListEvents(ctx context.Context, calendarRemoteID string) ([]RemoteObject, error) {
	url := joinURL(c.baseURL, calendarRemoteID)
	ms, err := c.multistatusRequest(ctx, "REPORT", url, reportEvents, "1")
	if err != nil {
		return nil, fmt.Errorf("list events %s: %w", calendarRemoteID, err)
	}

	var out []RemoteObject
	for _, resp := range ms.Responses {
		prop, ok := okProp(resp)
		if !ok || prop.CalendarData == "" {
			continue
		}
		out = append(out, RemoteObject{
			RemoteID: resp.Href,
			ETag:     strings.Trim(prop.ETag, `"`),
			Data:     prop.CalendarData,
		})
	}
	return out, nil
}

func (c *client) CreateEvent(ctx context.Context, calendarRemoteID, doc string) (string, string, error) {
	href := strings.TrimRight(calendarRemoteID, "/") + "/" + uuid.NewString() + ".ics"
	url := joinURL(c.baseURL, href)

	resp, err := c.do(ctx, http.MethodPut, url, doc, map[string]string{
		"Content-Type":  "text/calendar; charset=utf-8",
		"If-None-Match": "*",
	})
	if err != nil {
		return "", "", fmt.Errorf("create event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		return "", "", fmt.Errorf("create event: server returned %d", resp.StatusCode)
	}
	return href, strings.Trim(resp.Header.Get("ETag"), `"`), nil
}

func (c *client) UpdateEvent(ctx context.Context, remoteID, etag, doc string) (string, error) {
	url := joinURL(c.baseURL, remoteID)
	headers := map[string]string{"Content-Type": "text/calendar; charset=utf-8"}
	if etag != "" {
		headers["If-Match"] = `"` + etag + `"`
	}

	resp, err := c.do(ctx, http.MethodPut, url, doc, headers)
	if err != nil {
		return "", fmt.Errorf("update event %s: %w", remoteID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		return "", fmt.Errorf("update event %s: server returned %d", remoteID, resp.StatusCode)
	}
	return strings.Trim(resp.Header.Get("ETag"), `"`), nil
}

func (c *client) DeleteEvent(ctx context.Context, remoteID, etag string) error {
	url := joinURL(c.baseURL, remoteID)
	headers := map[string]string{}
	if etag != "" {
		headers["If-Match"] = `"` + etag + `"`
	}

	resp, err := c.do(ctx, http.MethodDelete, url, "", headers)
	if err != nil {
		return fmt.Errorf("delete event %s: %w", remoteID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("delete event %s: server returned %d", remoteID, resp.StatusCode)
	}
	return nil
}

func (c *client) multistatusRequest(ctx context.Context, method, url, body, depth string) (*multistatus, error) {
	resp, err := c.do(ctx, method, url, body, map[string]string{
		"Content-Type": "application/xml; charset=utf-8",
		"Depth":        depth,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMultiStatus {
		return nil, fmt.Errorf("%s %s: server returned %d", method, url, resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", method, err)
	}

	var ms multistatus
	if err := xml.Unmarshal(raw, &ms); err != nil {
		return nil, fmt.Errorf("decode multistatus: %w", err)
	}
	return &ms, nil
}

func (c *client) do(ctx context.Context, method, url, body string, headers map[string]string) (*http.Response, error) {
	build := func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, method, url, strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		if err := c.auth.apply(req); err != nil {
			return nil, err
		}
		return req, nil
	}

	req, err := build()
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		retried, rerr := c.auth.retryAuth(ctx, req)
		if rerr != nil {
			resp.Body.Close()
			return nil, rerr
		}
		if retried {
			resp.Body.Close()
			req, err = build()
			if err != nil {
				return nil, err
			}
			return c.http.Do(req)
		}
	}
	return resp, nil
}

func okProp(resp msResponse) (msProp, bool) {
	for _, ps := range resp.Propstats {
		if strings.Contains(ps.Status, "200") {
			return ps.Prop, true
		}
	}
	return msProp{}, false
}

func pathLeaf(href string) string {
	trimmed := strings.TrimRight(href, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}
