package dispatcher

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ocx/tracer/internal/traceevent"
)

// Router builds the dispatcher's control surface: /status, /streams,
// /streams/{id}, and /streams/{id}/commit, in the style of the
// teacher's handlers package (gorilla/mux, JSON responses via
// json.NewEncoder, http.Error for failures).
func (d *Dispatcher) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/status", d.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/streams", d.handleListStreams).Methods(http.MethodGet)
	r.HandleFunc("/streams/{id}", d.handleGetStream).Methods(http.MethodGet)
	r.HandleFunc("/streams/{id}/commit", d.handleForceCommit).Methods(http.MethodPost)
	return r
}

func (d *Dispatcher) handleStatus(w http.ResponseWriter, r *http.Request) {
	streams := d.Streams()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"object_type":      d.req.ObjectType,
		"allowed_modes":    d.req.AllowedModes,
		"streams_attached": len(streams),
	})
}

func (d *Dispatcher) handleListStreams(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"streams": d.Streams(),
	})
}

func (d *Dispatcher) handleGetStream(w http.ResponseWriter, r *http.Request) {
	id := traceevent.StreamID(mux.Vars(r)["id"])
	for _, s := range d.Streams() {
		if s.ID == id {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(s)
			return
		}
	}
	http.Error(w, "stream not found", http.StatusNotFound)
}

func (d *Dispatcher) handleForceCommit(w http.ResponseWriter, r *http.Request) {
	id := traceevent.StreamID(mux.Vars(r)["id"])
	if err := d.ForceCommit(id); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
