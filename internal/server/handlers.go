package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/beacon/internal/platform/auth"
	"github.com/ehr/beacon/internal/platform/fhir"
)

func (s *Server) handleCapability(c echo.Context) error {
	return s.writeResource(c, http.StatusOK, s.engine(c).Capability())
}

func (s *Server) handleSmartConfiguration(c echo.Context) error {
	return c.JSON(http.StatusOK, auth.WellKnown(s.engine(c).Config().BaseURL))
}

func (s *Server) handleRead(c echo.Context) error {
	res := s.engine(c).Read(c.Param("type"), c.Param("id"))
	if c.Request().Method == http.MethodHead {
		res.Resource = nil
	}
	return s.respond(c, res)
}

func (s *Server) handleVRead(c echo.Context) error {
	return s.respond(c, s.engine(c).VRead(c.Param("type"), c.Param("id"), c.Param("vid")))
}

func (s *Server) handleHistory(c echo.Context) error {
	return s.respond(c, s.engine(c).History(c.Param("type"), c.Param("id")))
}

func (s *Server) handleCreate(c echo.Context) error {
	r, errRes := s.decodeBody(c)
	if errRes != nil {
		return s.respond(c, *errRes)
	}
	res := s.engine(c).Create(c.Param("type"), r, c.Request().Header.Get("If-None-Exist"))
	return s.respond(c, res)
}

func (s *Server) handleUpdate(c echo.Context) error {
	r, errRes := s.decodeBody(c)
	if errRes != nil {
		return s.respond(c, *errRes)
	}
	res := s.engine(c).Update(c.Param("type"), c.Param("id"), r,
		c.Request().Header.Get("If-Match"), c.Request().Header.Get("If-None-Match"))
	return s.respond(c, res)
}

func (s *Server) handleDelete(c echo.Context) error {
	return s.respond(c, s.engine(c).Delete(c.Param("type"), c.Param("id")))
}

func (s *Server) handleSearch(c echo.Context) error {
	rawQuery := c.Request().URL.RawQuery
	if c.Request().Method == http.MethodPost {
		// _search carries the parameters as a form body; query parameters
		// still apply and the body wins on conflicts by coming last.
		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return s.respond(c, errStoreResult(http.StatusBadRequest, "read body: "+err.Error()))
		}
		if len(body) > 0 {
			if rawQuery != "" {
				rawQuery += "&"
			}
			rawQuery += string(body)
		}
	}
	return s.respond(c, s.engine(c).TypeSearch(c.Param("type"), rawQuery))
}

func (s *Server) handleBundle(c echo.Context) error {
	r, errRes := s.decodeBody(c)
	if errRes != nil {
		return s.respond(c, *errRes)
	}
	return s.respond(c, s.engine(c).ProcessBundle(r))
}

func (s *Server) handleNotificationIntake(c echo.Context) error {
	r, errRes := s.decodeBody(c)
	if errRes != nil {
		return s.respond(c, *errRes)
	}
	return s.respond(c, s.engine(c).AcceptNotification(r))
}

func (s *Server) handleReceivedNotifications(c echo.Context) error {
	received := s.engine(c).ReceivedNotifications()
	entries := make([]interface{}, 0, len(received))
	for _, rn := range received {
		entries = append(entries, map[string]interface{}{
			"resource": map[string]interface{}(rn.Bundle),
		})
	}
	return s.writeResource(c, http.StatusOK, fhir.Resource{
		"resourceType": "Bundle",
		"type":         "collection",
		"total":        float64(len(entries)),
		"entry":        entries,
	})
}

func (s *Server) handleSubscriptionStatus(c echo.Context) error {
	return s.respond(c, s.engine(c).SubscriptionStatus(c.Param("id")))
}

func (s *Server) handleSubscriptionStatuses(c echo.Context) error {
	return s.respond(c, s.engine(c).SubscriptionStatuses(c.QueryParam("status")))
}

func (s *Server) handleSubscriptionEvents(c echo.Context) error {
	return s.respond(c, s.engine(c).SubscriptionEvents(c.Param("id")))
}

// ---------------------------------------------------------------------------
// negotiation and response shaping
// ---------------------------------------------------------------------------

// responseFormat negotiates the response wire format: _format overrides the
// Accept header.
func responseFormat(c echo.Context) (string, bool) {
	if f := c.QueryParam("_format"); f != "" {
		return fhir.FormatFromMIME(f)
	}
	accept := c.Request().Header.Get(echo.HeaderAccept)
	for _, part := range strings.Split(accept, ",") {
		if format, ok := fhir.FormatFromMIME(part); ok {
			return format, true
		}
	}
	return "", accept == ""
}

// decodeBody parses the request payload per its Content-Type.
func (s *Server) decodeBody(c echo.Context) (fhir.Resource, *fhir.StoreResult) {
	contentType := c.Request().Header.Get(echo.HeaderContentType)
	format, ok := fhir.FormatFromMIME(contentType)
	if !ok {
		res := errStoreResult(http.StatusUnsupportedMediaType, "unsupported content type "+contentType)
		return nil, &res
	}
	data, err := io.ReadAll(c.Request().Body)
	if err != nil {
		res := errStoreResult(http.StatusBadRequest, "read body: "+err.Error())
		return nil, &res
	}
	r, err := fhir.DecodeResource(data, format)
	if err != nil {
		res := errStoreResult(http.StatusBadRequest, err.Error())
		return nil, &res
	}
	return r, nil
}

// respond renders a store result: conditional headers, absolute Location,
// and the Prefer handling on the body.
func (s *Server) respond(c echo.Context, res fhir.StoreResult) error {
	h := c.Response().Header()
	if res.VersionID != "" {
		h.Set("ETag", `W/"`+res.VersionID+`"`)
	}
	if !res.LastModified.IsZero() {
		h.Set("Last-Modified", res.LastModified.UTC().Format(http.TimeFormat))
	}
	if res.Location != "" {
		h.Set("Location", s.engine(c).Config().BaseURL+"/"+res.Location)
	}

	if !res.OK() {
		return s.writeOutcome(c, res.Status, res.Outcome)
	}

	switch preference(c) {
	case "minimal":
		return c.NoContent(res.Status)
	case "OperationOutcome":
		if res.Outcome != nil {
			return s.writeResource(c, res.Status, res.Outcome.AsResource())
		}
	}
	if res.Resource == nil {
		return c.NoContent(res.Status)
	}
	return s.writeResource(c, res.Status, res.Resource)
}

// preference extracts the return preference from the Prefer header.
func preference(c echo.Context) string {
	for _, part := range strings.Split(c.Request().Header.Get("Prefer"), ",") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "return=") {
			return strings.TrimPrefix(part, "return=")
		}
	}
	return "representation"
}

func (s *Server) writeResource(c echo.Context, status int, r fhir.Resource) error {
	format, ok := responseFormat(c)
	if !ok {
		return s.writeJSON(c, http.StatusNotAcceptable,
			fhir.StatusOutcome(http.StatusNotAcceptable, "no acceptable response format").AsResource())
	}
	pretty := c.QueryParam("_pretty") == "true"
	data, err := fhir.EncodeResource(r, format, pretty)
	if err != nil {
		return s.writeJSON(c, http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()).AsResource())
	}
	return c.Blob(status, fhir.MIMEType(format), data)
}

func (s *Server) writeOutcome(c echo.Context, status int, outcome *fhir.OperationOutcome) error {
	return s.writeResource(c, status, outcome.AsResource())
}

func (s *Server) writeJSON(c echo.Context, status int, r fhir.Resource) error {
	data, err := fhir.EncodeResource(r, fhir.FormatJSON, false)
	if err != nil {
		return c.NoContent(http.StatusInternalServerError)
	}
	return c.Blob(status, fhir.MIMEType(fhir.FormatJSON), data)
}

func errStoreResult(status int, diagnostics string) fhir.StoreResult {
	return fhir.StoreResult{Outcome: fhir.StatusOutcome(status, diagnostics), Status: status}
}
