package ep

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/runtarahq/runtara/internal/apierrors"
	"github.com/runtarahq/runtara/internal/idgen"
	"github.com/runtarahq/runtara/internal/instance"
	"github.com/runtarahq/runtara/internal/registry"
	"github.com/runtarahq/runtara/internal/signalqueue"
	"github.com/runtarahq/runtara/internal/store"
)

// Management is the client-facing Management Facade (§4.7): register/list/
// get/delete image, start/stop/resume an instance, get/list instance
// status, send a signal, and list events. Grounded on jordigilh/kubernaut's
// chi-based management HTTP API stack (go-chi/chi/v5, go-chi/cors).
type Management struct {
	Store      store.Storage
	Registry   *registry.Registry
	Supervisor *Supervisor
	Signals    *signalqueue.Queue
}

// Router builds the chi router serving every Management operation.
func (m *Management) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Route("/v1/images", func(r chi.Router) {
		r.Post("/", m.registerImage)
		r.Get("/", m.listImages)
		r.Get("/{imageID}", m.getImage)
		r.Delete("/{imageID}", m.deleteImage)
	})

	r.Route("/v1/instances", func(r chi.Router) {
		r.Post("/", m.startInstance)
		r.Get("/", m.listInstances)
		r.Get("/{instanceID}", m.getInstanceStatus)
		r.Post("/{instanceID}/stop", m.stopInstance)
		r.Post("/{instanceID}/resume", m.resumeInstance)
		r.Post("/{instanceID}/signals", m.sendSignal)
	})

	r.Get("/v1/events", m.listEvents)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeFault(w http.ResponseWriter, err error) {
	var f *apierrors.Fault
	status := http.StatusInternalServerError
	code := "INTERNAL"
	if errors.As(err, &f) {
		code = f.Code
		switch f.Category {
		case apierrors.CategoryValidation:
			status = http.StatusBadRequest
		case apierrors.CategoryResource:
			status = http.StatusConflict
			if errors.Is(err, apierrors.ErrAtCapacity) {
				status = http.StatusTooManyRequests
			}
		case apierrors.CategoryState:
			status = http.StatusConflict
		case apierrors.CategoryStorage, apierrors.CategoryTransport, apierrors.CategoryRunner:
			status = http.StatusServiceUnavailable
		}
	} else if errors.Is(err, store.ErrNotFound) {
		status = http.StatusNotFound
		code = "NOT_FOUND"
	}
	writeJSON(w, status, map[string]any{"code": code, "message": err.Error()})
}

type registerImageRequest struct {
	Tenant     string            `json:"tenant"`
	Name       string            `json:"name"`
	BinaryB64  []byte            `json:"binary"`
	RunnerKind string            `json:"runner_kind"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (m *Management) registerImage(w http.ResponseWriter, r *http.Request) {
	var req registerImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFault(w, apierrors.New(apierrors.CategoryValidation, "bad_request", err.Error()))
		return
	}
	if req.RunnerKind == "" {
		req.RunnerKind = "mock"
	}
	img, err := m.Registry.Register(r.Context(), req.Tenant, req.Name, req.BinaryB64, req.RunnerKind, req.Metadata)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, img)
}

func (m *Management) listImages(w http.ResponseWriter, r *http.Request) {
	page := paginationFromQuery(r)
	imgs, err := m.Registry.List(r.Context(), r.URL.Query().Get("tenant"), page)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, imgs)
}

func (m *Management) getImage(w http.ResponseWriter, r *http.Request) {
	img, err := m.Registry.Get(r.Context(), chi.URLParam(r, "imageID"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, img)
}

func (m *Management) deleteImage(w http.ResponseWriter, r *http.Request) {
	if err := m.Registry.Delete(r.Context(), chi.URLParam(r, "imageID")); err != nil {
		writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type startInstanceRequest struct {
	ImageID    string            `json:"image_id"`
	TenantID   string            `json:"tenant_id"`
	InstanceID string            `json:"instance_id,omitempty"`
	Input      []byte            `json:"input,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	MaxAttempts int              `json:"max_attempts,omitempty"`
}

// StartInstance allocates (or re-enters, per the restart-same-id supplement)
// an instance row and asks the supervisor to launch its container.
func (m *Management) StartInstance(r *http.Request, req startInstanceRequest) (store.Instance, error) {
	ctx := r.Context()

	if req.MaxAttempts <= 0 {
		req.MaxAttempts = 1
	}

	var inst store.Instance
	if req.InstanceID != "" {
		existing, err := m.Store.GetInstance(ctx, req.InstanceID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			inst = store.Instance{ID: req.InstanceID}
		case err != nil:
			return store.Instance{}, err
		case !existing.Status.Terminal():
			return store.Instance{}, apierrors.Wrap(apierrors.CategoryState, "instance_already_running",
				"instance is not terminal; cannot restart under the same id", apierrors.ErrInstanceAlreadyRunning)
		case existing.TerminationReason != store.ReasonCrashed:
			return store.Instance{}, apierrors.Wrap(apierrors.CategoryState, "instance_already_running",
				"instance is terminal but not crashed; only a crashed instance may restart under the same id", apierrors.ErrInstanceAlreadyRunning)
		default:
			inst = existing
			inst = instance.NextAttempt(inst)
		}
	} else {
		inst = store.Instance{ID: idgen.NewPrefixed("inst")}
	}

	inst.Tenant = req.TenantID
	inst.ImageID = req.ImageID
	inst.Status = store.StatusPending
	inst.TerminationReason = ""
	inst.FinishedAt = nil
	inst.Input = req.Input
	inst.Output = nil
	inst.ErrorText = ""
	inst.ExitCode = nil
	if inst.MaxAttempts == 0 {
		inst.MaxAttempts = req.MaxAttempts
	}
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now()
	}

	var err error
	if _, getErr := m.Store.GetInstance(ctx, inst.ID); errors.Is(getErr, store.ErrNotFound) {
		err = m.Store.CreateInstance(ctx, inst)
	} else {
		err = m.Store.UpdateInstance(ctx, inst)
	}
	if err != nil {
		return store.Instance{}, err
	}

	if err := m.Supervisor.Launch(ctx, inst); err != nil {
		return store.Instance{}, err
	}
	return inst, nil
}

func (m *Management) startInstance(w http.ResponseWriter, r *http.Request) {
	var req startInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFault(w, apierrors.New(apierrors.CategoryValidation, "bad_request", err.Error()))
		return
	}
	inst, err := m.StartInstance(r, req)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, inst)
}

func (m *Management) stopInstance(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceID")
	grace := 10 * time.Second
	if g := r.URL.Query().Get("grace_seconds"); g != "" {
		if n, err := strconv.Atoi(g); err == nil {
			grace = time.Duration(n) * time.Second
		}
	}
	if err := m.Signals.Cancel(r.Context(), instanceID); err != nil {
		writeFault(w, err)
		return
	}
	if err := m.Supervisor.Stop(r.Context(), instanceID, grace); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (m *Management) resumeInstance(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceID")
	if err := m.Signals.Resume(r.Context(), instanceID); err != nil {
		writeFault(w, err)
		return
	}

	inst, err := m.Store.GetInstance(r.Context(), instanceID)
	if err != nil {
		writeFault(w, err)
		return
	}
	if inst.Status == store.StatusSuspended && inst.TerminationReason == store.ReasonPaused {
		next, err := instance.Transition(inst, store.StatusRunning, "", time.Now())
		if err != nil {
			writeFault(w, err)
			return
		}
		if err := m.Store.UpdateInstance(r.Context(), next); err != nil {
			writeFault(w, err)
			return
		}
		if err := m.Supervisor.Launch(r.Context(), next); err != nil {
			writeFault(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resuming"})
}

func (m *Management) getInstanceStatus(w http.ResponseWriter, r *http.Request) {
	inst, err := m.Store.GetInstance(r.Context(), chi.URLParam(r, "instanceID"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (m *Management) listInstances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.InstanceFilter{
		Tenant:  q.Get("tenant"),
		Status:  store.InstanceStatus(q.Get("status")),
		ImageID: q.Get("image_id"),
	}
	page := paginationFromQuery(r)
	insts, err := m.Store.ListInstances(r.Context(), filter, page)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, insts)
}

type sendSignalRequest struct {
	Kind    string `json:"kind"`
	Payload []byte `json:"payload,omitempty"`
}

func (m *Management) sendSignal(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceID")
	var req sendSignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFault(w, apierrors.New(apierrors.CategoryValidation, "bad_request", err.Error()))
		return
	}

	var err error
	switch store.SignalKind(req.Kind) {
	case store.SignalCancel:
		err = m.Signals.Cancel(r.Context(), instanceID)
	case store.SignalPause:
		err = m.Signals.Pause(r.Context(), instanceID)
	case store.SignalResume:
		err = m.Signals.Resume(r.Context(), instanceID)
	default:
		err = apierrors.New(apierrors.CategoryValidation, "unknown_signal_kind", req.Kind)
	}
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (m *Management) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.EventFilter{
		InstanceID:    q.Get("instance_id"),
		Kind:          q.Get("kind"),
		Subtype:       q.Get("subtype"),
		PayloadSubstr: q.Get("q"),
	}
	page := paginationFromQuery(r)
	events, err := m.Store.ListEvents(r.Context(), filter, page)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func paginationFromQuery(r *http.Request) store.Pagination {
	q := r.URL.Query()
	page := store.Pagination{Limit: 50}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil {
		page.Offset = v
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		page.Limit = v
	}
	return page
}
