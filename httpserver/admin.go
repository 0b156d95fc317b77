package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/amt-remote-provisioning/interfaces"
	"github.com/ruteri/amt-remote-provisioning/metrics"
	"github.com/ruteri/amt-remote-provisioning/profiles"
)

// maxBodySize is the maximum allowed admin request body size (1MB).
const maxBodySize = 1024 * 1024

// RequestError provides structured error information for HTTP responses.
// It includes both an HTTP status code and the underlying error.
type RequestError struct {
	// StatusCode is the HTTP status code to return.
	StatusCode int

	// Err is the underlying error.
	Err error
}

func (e *RequestError) Error() string {
	return e.Err.Error()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// AdminHandler serves the management API for AMT profiles, CIRA
// configurations and provisioning domains.
//
// Every resource exposes the same routes:
//
//	GET    /            list all records
//	GET    /{name}      fetch one record
//	POST   /create      create a record
//	PATCH  /edit        replace an existing record
//	DELETE /{name}      delete a record
//
// Secrets are accepted on write and never returned.
type AdminHandler struct {
	admin   interfaces.ProfileAdmin
	metrics *metrics.Metrics
	log     *slog.Logger
}

func NewAdminHandler(admin interfaces.ProfileAdmin, m *metrics.Metrics, log *slog.Logger) *AdminHandler {
	return &AdminHandler{
		admin:   admin,
		metrics: m,
		log:     log,
	}
}

// AdminRouter returns the router for the admin API.
func (h *AdminHandler) AdminRouter() chi.Router {
	r := chi.NewRouter()

	r.Mount("/profiles", resource[interfaces.AMTProfile]{
		name:   "profiles",
		list:   h.admin.ListProfiles,
		get:    h.admin.GetAmtProfile,
		create: h.admin.CreateProfile,
		update: h.admin.UpdateProfile,
		remove: h.admin.DeleteProfile,
		key:    func(p *interfaces.AMTProfile) string { return p.ProfileName },
		redact: func(p *interfaces.AMTProfile) { p.AMTPassword = "" },
	}.router(h))

	r.Mount("/ciraconfigs", resource[interfaces.CIRAConfig]{
		name:   "ciraconfigs",
		list:   h.admin.ListCiraConfigurations,
		get:    h.admin.GetCiraConfiguration,
		create: h.admin.CreateCiraConfiguration,
		update: h.admin.UpdateCiraConfiguration,
		remove: h.admin.DeleteCiraConfiguration,
		key:    func(c *interfaces.CIRAConfig) string { return c.ConfigName },
		redact: func(c *interfaces.CIRAConfig) { c.Password = "" },
	}.router(h))

	r.Mount("/domains", resource[interfaces.Domain]{
		name:   "domains",
		list:   h.admin.ListDomains,
		get:    h.admin.GetDomain,
		create: h.admin.CreateDomain,
		update: h.admin.UpdateDomain,
		remove: h.admin.DeleteDomain,
		key:    func(d *interfaces.Domain) string { return d.ProfileName },
		redact: func(d *interfaces.Domain) {
			d.ProvisioningCert = ""
			d.ProvisioningCertPassword = ""
		},
	}.router(h))

	return r
}

// resource binds the CRUD operations of one record type to HTTP routes.
type resource[T any] struct {
	name   string
	list   func(ctx context.Context) ([]*T, error)
	get    func(ctx context.Context, name string) (*T, error)
	create func(ctx context.Context, record *T) error
	update func(ctx context.Context, record *T) error
	remove func(ctx context.Context, name string) error
	key    func(record *T) string
	redact func(record *T)
}

func (res resource[T]) router(h *AdminHandler) chi.Router {
	r := chi.NewRouter()

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		records, err := res.list(r.Context())
		if err != nil {
			h.writeError(w, res.name, err)
			return
		}
		for _, record := range records {
			res.redact(record)
		}
		h.writeJSON(w, res.name, http.StatusOK, records)
	})

	r.Get("/{name}", func(w http.ResponseWriter, r *http.Request) {
		record, err := res.get(r.Context(), chi.URLParam(r, "name"))
		if err != nil {
			h.writeError(w, res.name, err)
			return
		}
		res.redact(record)
		h.writeJSON(w, res.name, http.StatusOK, record)
	})

	r.Post("/create", func(w http.ResponseWriter, r *http.Request) {
		res.write(h, w, r, res.create, http.StatusCreated)
	})

	r.Patch("/edit", func(w http.ResponseWriter, r *http.Request) {
		res.write(h, w, r, res.update, http.StatusOK)
	})

	r.Delete("/{name}", func(w http.ResponseWriter, r *http.Request) {
		if err := res.remove(r.Context(), chi.URLParam(r, "name")); err != nil {
			h.writeError(w, res.name, err)
			return
		}
		h.metrics.AdminRequest(res.name, http.StatusNoContent)
		w.WriteHeader(http.StatusNoContent)
	})

	return r
}

// write decodes a record from the request body, applies op and echoes the
// stored record back.
func (res resource[T]) write(h *AdminHandler, w http.ResponseWriter, r *http.Request, op func(context.Context, *T) error, status int) {
	record, err := decodeRecord[T](w, r)
	if err != nil {
		h.writeError(w, res.name, err)
		return
	}
	if err := op(r.Context(), record); err != nil {
		h.writeError(w, res.name, err)
		return
	}

	h.log.Info("Admin record written", "resource", res.name, "name", res.key(record))
	res.redact(record)
	h.writeJSON(w, res.name, status, record)
}

func decodeRecord[T any](w http.ResponseWriter, r *http.Request) (*T, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var record T
	if err := dec.Decode(&record); err != nil {
		return nil, &RequestError{
			StatusCode: http.StatusBadRequest,
			Err:        fmt.Errorf("invalid request body: %w", err),
		}
	}
	return &record, nil
}

// statusCode maps an admin operation error to its HTTP status.
func statusCode(err error) int {
	var reqErr *RequestError
	switch {
	case errors.As(err, &reqErr):
		return reqErr.StatusCode
	case errors.Is(err, profiles.ErrInvalidRecord):
		return http.StatusBadRequest
	case errors.Is(err, interfaces.ErrProfileNotFound):
		return http.StatusNotFound
	case errors.Is(err, profiles.ErrAlreadyExists), errors.Is(err, profiles.ErrInUse):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *AdminHandler) writeError(w http.ResponseWriter, resource string, err error) {
	code := statusCode(err)
	h.metrics.AdminRequest(resource, code)

	if code == http.StatusInternalServerError {
		h.log.Error("Admin request failed", "resource", resource, "err", err)
		http.Error(w, "Internal server error", code)
		return
	}
	http.Error(w, err.Error(), code)
}

func (h *AdminHandler) writeJSON(w http.ResponseWriter, resource string, code int, v any) {
	h.metrics.AdminRequest(resource, code)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode admin response", "resource", resource, "err", err)
	}
}
