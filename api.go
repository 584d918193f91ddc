package fundcore

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/cors"
	"github.com/spf13/cast"
	"github.com/twitchtv/twirp"
)

// API exposes the read-only campaign and escrow records consumed by the
// surrounding application. Mutations (campaign CRUD, donation forms) belong
// to the external REST layer.
type API struct {
	campaigns *CampaignRegistry
	escrows   *EscrowBook
}

func NewAPI(campaigns *CampaignRegistry, escrows *EscrowBook) *API {
	return &API{campaigns: campaigns, escrows: escrows}
}

func (a *API) Handler() http.Handler {
	m := chi.NewMux()
	m.Use(middleware.Recoverer)
	m.Use(middleware.RealIP)
	m.Use(middleware.Logger)
	m.Use(middleware.Heartbeat("/hc"))
	m.Use(cors.AllowAll().Handler)

	m.Get("/campaigns", a.listCampaigns)
	m.Get("/campaigns/{id}", a.getCampaign)
	m.Get("/campaigns/{id}/balance", a.getCampaignBalance)
	m.Get("/escrows", a.listEscrows)
	m.Get("/escrows/{id}", a.getEscrow)

	return m
}

func renderJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(200)

	_ = json.NewEncoder(w).Encode(v)
}

func renderErr(w http.ResponseWriter, err error) {
	_ = twirp.WriteError(w, asTwirpError(err))
}

func asTwirpError(err error) error {
	var (
		validation *ValidationError
		balance    *InsufficientBalanceError
		timing     *TimingError
		authz      *AuthorizationError
	)

	switch {
	case errors.Is(err, ErrCampaignNotFound), errors.Is(err, ErrEscrowNotFound):
		return twirp.NotFoundError(err.Error())
	case errors.As(err, &validation):
		return twirp.InvalidArgumentError(validation.Field, validation.Reason)
	case errors.As(err, &balance), errors.As(err, &timing):
		return twirp.NewError(twirp.FailedPrecondition, err.Error())
	case errors.As(err, &authz):
		return twirp.NewError(twirp.PermissionDenied, err.Error())
	default:
		return twirp.InternalErrorWith(err)
	}
}

func (a *API) listCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns := a.campaigns.List()

	if status := r.URL.Query().Get("status"); status != "" {
		filtered := campaigns[:0]
		for _, c := range campaigns {
			if c.Status == CampaignStatus(status) {
				filtered = append(filtered, c)
			}
		}
		campaigns = filtered
	}

	limit := cast.ToInt(r.URL.Query().Get("limit"))
	if limit > 0 && limit < len(campaigns) {
		campaigns = campaigns[:limit]
	}

	renderJSON(w, campaigns)
}

func (a *API) getCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		renderErr(w, twirp.InvalidArgumentError("id", "invalid campaign id"))
		return
	}

	campaign, err := a.campaigns.Get(id)
	if err != nil {
		renderErr(w, err)
		return
	}

	renderJSON(w, campaign)
}

func (a *API) getCampaignBalance(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		renderErr(w, twirp.InvalidArgumentError("id", "invalid campaign id"))
		return
	}

	balance, err := a.campaigns.CampaignBalance(r.Context(), id)
	if err != nil {
		renderErr(w, err)
		return
	}

	renderJSON(w, map[string]string{"balance": balance.String()})
}

func (a *API) listEscrows(w http.ResponseWriter, r *http.Request) {
	escrows := a.escrows.List()

	if status := r.URL.Query().Get("status"); status != "" {
		filtered := escrows[:0]
		for _, e := range escrows {
			if e.Status == EscrowStatus(status) {
				filtered = append(filtered, e)
			}
		}
		escrows = filtered
	}

	renderJSON(w, escrows)
}

func (a *API) getEscrow(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		renderErr(w, twirp.InvalidArgumentError("id", "invalid escrow id"))
		return
	}

	escrow, err := a.escrows.Get(id)
	if err != nil {
		renderErr(w, err)
		return
	}

	renderJSON(w, escrow)
}
