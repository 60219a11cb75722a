package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"golang.org/x/mod/semver"

	"github.com/scalecode-solutions/storelink/config"
	"github.com/scalecode-solutions/storelink/graphemes"
	"github.com/scalecode-solutions/storelink/store"
)

// maxRequestBody bounds admin request bodies.
const maxRequestBody = 64 * 1024

var errClientTooOld = errors.New("store client is too old for this app")

// API serves the admin HTTP endpoints.
type API struct {
	cluster    *ClusterView
	dispatcher *Dispatcher
	cfg        *config.Config

	// Client directory and version catalog (nil when no database)
	db store.Store

	log zerolog.Logger
}

// NewAPI creates the admin API on top of hub's components.
func NewAPI(hub *Hub, cfg *config.Config, logger zerolog.Logger) *API {
	return &API{
		cluster:    hub.cluster,
		dispatcher: hub.dispatcher,
		cfg:        cfg,
		log:        logger.With().Str("component", "api").Logger(),
	}
}

// SetStore enables the endpoints backed by the database.
func (a *API) SetStore(db store.Store) {
	a.db = db
}

// Routes registers the API endpoints on r.
func (a *API) Routes(r *mux.Router) {
	r.HandleFunc("/stores", a.listStores).Methods(http.MethodGet)
	r.HandleFunc("/stores/{storeId}", a.getStore).Methods(http.MethodGet)
	r.HandleFunc("/stores/{storeId}/update-app/{versionId}", a.updateApp).Methods(http.MethodPost)
	r.HandleFunc("/stores/{storeId}/update-client", a.updateClient).Methods(http.MethodPost)
	r.HandleFunc("/stores/{storeId}/notify", a.notify).Methods(http.MethodPost)
	r.HandleFunc("/clients", a.listClients).Methods(http.MethodGet)
	r.HandleFunc("/client/latest", a.latestClient).Methods(http.MethodGet)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

// writeDispatchError maps a dispatch failure to its HTTP status.
func (a *API) writeDispatchError(w http.ResponseWriter, storeID string, err error) {
	switch {
	case IsOffline(err):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, ErrCommandRejected):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		a.log.Error().Err(err).Str("store", storeID).Msg("dispatch failed")
		writeError(w, http.StatusInternalServerError, "failed to send command")
	}
}

// storeIDFromPath returns the validated storeId route variable.
func storeIDFromPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	storeID := mux.Vars(r)["storeId"]
	if !validStoreID(storeID) {
		writeError(w, http.StatusBadRequest, "invalid storeId")
		return "", false
	}
	return storeID, true
}

func (a *API) listStores(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.cluster.Snapshot())
}

func (a *API) getStore(w http.ResponseWriter, r *http.Request) {
	storeID, ok := storeIDFromPath(w, r)
	if !ok {
		return
	}
	view, ok := a.cluster.Snapshot().Get(storeID)
	if !ok {
		writeError(w, http.StatusNotFound, (&OfflineError{StoreID: storeID}).Error())
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) updateApp(w http.ResponseWriter, r *http.Request) {
	storeID, ok := storeIDFromPath(w, r)
	if !ok {
		return
	}
	versionID := mux.Vars(r)["versionId"]
	if err := validate.Var(versionID, "required,max=128"); err != nil {
		writeError(w, http.StatusBadRequest, "invalid versionId")
		return
	}

	payload := MsgUpdateApp{VersionID: versionID}
	if a.db != nil {
		v, err := a.db.GetAppVersion(r.Context(), versionID)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("version %s not found", versionID))
			return
		}
		if err != nil {
			a.log.Error().Err(err).Str("version", versionID).Msg("version lookup failed")
			writeError(w, http.StatusInternalServerError, "failed to look up version")
			return
		}
		if !v.Active() {
			writeError(w, http.StatusConflict, fmt.Sprintf("version %s is not active", versionID))
			return
		}
		if err := a.checkClientVersion(storeID, v.App); err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		payload.App = v.App
		payload.Version = v.Version
		payload.Name = v.Name
		payload.URL = v.FileURL
	}

	if err := a.dispatcher.Dispatch(r.Context(), storeID, EventUpdateApp, payload); err != nil {
		a.writeDispatchError(w, storeID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message":   fmt.Sprintf("update-app sent to store %s", storeID),
		"storeId":   storeID,
		"versionId": versionID,
	})
}

// checkClientVersion refuses app updates a store's client cannot install.
// Stores that are not connected anywhere are left to the dispatcher.
func (a *API) checkClientVersion(storeID, app string) error {
	appCfg, ok := a.cfg.Apps[app]
	if !ok || appCfg.MinClientVersion == "" {
		return nil
	}
	view, ok := a.cluster.Snapshot().Get(storeID)
	if !ok {
		return nil
	}
	current := config.Canonical(view.ClientVersion)
	if !semver.IsValid(current) || semver.Compare(current, config.Canonical(appCfg.MinClientVersion)) < 0 {
		return fmt.Errorf("%w: %s needs client %s, store has %q", errClientTooOld, app, appCfg.MinClientVersion, view.ClientVersion)
	}
	return nil
}

func (a *API) updateClient(w http.ResponseWriter, r *http.Request) {
	storeID, ok := storeIDFromPath(w, r)
	if !ok {
		return
	}
	if err := a.dispatcher.Dispatch(r.Context(), storeID, EventUpdateClient, struct{}{}); err != nil {
		a.writeDispatchError(w, storeID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("update-client sent to store %s", storeID),
		"storeId": storeID,
	})
}

func (a *API) notify(w http.ResponseWriter, r *http.Request) {
	storeID, ok := storeIDFromPath(w, r)
	if !ok {
		return
	}

	var body struct {
		Message *string `json:"message"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	message := ""
	if body.Message != nil {
		message = graphemes.Sanitize(*body.Message)
	}
	if strings.TrimSpace(message) == "" {
		message = a.cfg.Client.DefaultNotifyMsg
	}
	message = graphemes.Shorten(message, a.cfg.Client.MaxNotifyLength)

	if err := a.dispatcher.Dispatch(r.Context(), storeID, EventNotify, MsgNotify{Message: message}); err != nil {
		a.writeDispatchError(w, storeID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("notify sent to store %s", storeID),
		"storeId": storeID,
	})
}

func (a *API) listClients(w http.ResponseWriter, r *http.Request) {
	if a.db == nil {
		writeError(w, http.StatusServiceUnavailable, "client directory is not configured")
		return
	}
	clients, err := a.db.ListClients(r.Context())
	if err != nil {
		a.log.Error().Err(err).Msg("list clients failed")
		writeError(w, http.StatusInternalServerError, "failed to list clients")
		return
	}
	if clients == nil {
		clients = []store.Client{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"clients": clients})
}

// latestClient redirects to the desktop client download. The console
// setting wins over the config file.
func (a *API) latestClient(w http.ResponseWriter, r *http.Request) {
	url := ""
	if a.db != nil {
		u, err := a.db.GetSetting(r.Context(), store.SettingClientDownloadURL)
		if err != nil {
			a.log.Warn().Err(err).Msg("download url setting lookup failed")
		}
		url = u
	}
	if url == "" {
		url = a.cfg.Client.DownloadURL
	}
	if url == "" {
		writeError(w, http.StatusNotFound, "no client download is configured")
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}
