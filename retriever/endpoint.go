// Copyright (C) 2026 Datavision
// See LICENSE for copying information.

package retriever

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/datavision-io/des/assignment"
	"github.com/datavision-io/des/des"
	"github.com/datavision-io/des/objectstore"
)

// resolve maps a request name to its container key, distinguishing
// malformed names (bad request) from unresolvable ones (not found).
func (peer *Peer) resolve(name string) (containerKey string, status int, err error) {
	if err := des.ValidateName(name); err != nil {
		return "", http.StatusBadRequest, err
	}
	key, err := assignment.ContainerKeyForName(peer.Config.Prefix, name, peer.Config.ShardBits)
	if err != nil {
		return "", http.StatusNotFound, err
	}
	return key, http.StatusOK, nil
}

func (peer *Peer) handleGetFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)
	name := mux.Vars(r)["name"]

	containerKey, status, err := peer.resolve(name)
	if err != nil {
		writeError(w, status, err)
		return
	}
	reader, err := peer.readerFor(ctx, containerKey)
	if err != nil {
		writeStoreError(peer.Log, w, name, err)
		return
	}
	entry, err := reader.Entry(ctx, name)
	if err != nil {
		writeStoreError(peer.Log, w, name, err)
		return
	}
	data, err := reader.Get(ctx, name)
	if err != nil {
		writeStoreError(peer.Log, w, name, err)
		return
	}

	mon.Counter("retriever_served").Inc(1)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	peer.setEntryHeaders(w, name, containerKey, entry)
	_, _ = w.Write(data)
}

func (peer *Peer) handleHeadFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)
	name := mux.Vars(r)["name"]

	containerKey, status, err := peer.resolve(name)
	if err != nil {
		w.WriteHeader(status)
		return
	}
	reader, err := peer.readerFor(ctx, containerKey)
	if err != nil {
		w.WriteHeader(storeErrorStatus(err))
		return
	}
	entry, err := reader.Entry(ctx, name)
	if err != nil {
		w.WriteHeader(storeErrorStatus(err))
		return
	}
	w.Header().Set("Content-Length", strconv.FormatUint(entry.DataLength, 10))
	peer.setEntryHeaders(w, name, containerKey, entry)
	w.WriteHeader(http.StatusOK)
}

func (peer *Peer) setEntryHeaders(w http.ResponseWriter, name, containerKey string, entry des.IndexEntry) {
	shard := assignment.ShardID(name, peer.Config.ShardBits)
	w.Header().Set("X-Des-Container", containerKey)
	w.Header().Set("X-Des-Shard-Id", assignment.ShardHex(shard, peer.Config.ShardBits))
	w.Header().Set("X-Des-Size-Bytes", strconv.FormatUint(entry.DataLength, 10))
	w.Header().Set("X-Des-Is-External", strconv.FormatBool(entry.External()))
}

func (peer *Peer) handleGetMeta(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)
	name := mux.Vars(r)["name"]

	containerKey, status, err := peer.resolve(name)
	if err != nil {
		writeError(w, status, err)
		return
	}
	reader, err := peer.readerFor(ctx, containerKey)
	if err != nil {
		writeStoreError(peer.Log, w, name, err)
		return
	}
	meta, err := reader.GetMeta(ctx, name)
	if err != nil {
		writeStoreError(peer.Log, w, name, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (peer *Peer) handleContainerStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)
	vars := mux.Vars(r)

	day, err := time.ParseInLocation("2006-01-02", vars["day"], time.UTC)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	shard, err := strconv.ParseUint(vars["shard"], 16, 32)
	if err != nil || int(shard) >= assignment.NumShards(peer.Config.ShardBits) {
		writeError(w, http.StatusBadRequest, Error.New("invalid shard %q", vars["shard"]))
		return
	}

	containerKey := assignment.ContainerKey(peer.Config.Prefix, day, uint32(shard), peer.Config.ShardBits)
	reader, err := peer.readerFor(ctx, containerKey)
	if err != nil {
		writeStoreError(peer.Log, w, containerKey, err)
		return
	}
	stats, err := reader.Stats(ctx)
	if err != nil {
		writeStoreError(peer.Log, w, containerKey, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (peer *Peer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (peer *Peer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	checks := map[string]bool{}
	ok, err := peer.store.BucketExists(ctx, peer.Config.Bucket)
	checks["object_store"] = err == nil && ok

	if pinger, isPinger := peer.cache.(interface{ Ping(ctx context.Context) error }); isPinger {
		checks["cache"] = pinger.Ping(ctx) == nil
	}

	status := http.StatusOK
	for _, ok := range checks {
		if !ok {
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, checks)
}

func storeErrorStatus(err error) int {
	switch {
	case des.ErrNotFound.Has(err), objectstore.ErrObjectNotFound.Has(err):
		return http.StatusNotFound
	case des.ErrNameInvalid.Has(err):
		return http.StatusBadRequest
	default:
		return http.StatusServiceUnavailable
	}
}

func writeStoreError(log *zap.Logger, w http.ResponseWriter, name string, err error) {
	status := storeErrorStatus(err)
	if status == http.StatusServiceUnavailable {
		log.Error("upstream failure", zap.String("name", name), zap.Error(err))
		mon.Counter("retriever_upstream_errors").Inc(1)
	}
	writeError(w, status, err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf("%v", err)})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
