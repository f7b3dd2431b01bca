package server

import (
	"net/http"
	"strconv"

	"sandbank/ebics"
	"sandbank/ebics/engine"
)

// handleEbicsweb runs one EBICS exchange. Protocol failures still travel as
// status 200 inside a well-formed response document; only requests the
// engine cannot attribute to a host fall back to plain 400s.
func (s *Server) handleEbicsweb(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(w, r, maxEbicsBody)
	if err != nil {
		http.Error(w, "cannot read request body", http.StatusBadRequest)
		return
	}
	reply := s.cfg.Engine.Process(r.Context(), raw, s.Now())
	s.journalExchange(reply, len(raw))
	s.cfg.Metrics.ObserveEbicsRequest(reply.Note.OrderType, reply.Note.Phase, ebicsResult(reply))
	w.Header().Set("Content-Type", reply.ContentType)
	w.WriteHeader(reply.Status)
	_, _ = w.Write(reply.Body)
}

func (s *Server) journalExchange(reply *engine.Reply, requestBytes int) {
	if s.cfg.Journal == nil {
		return
	}
	entry := ebics.JournalEntry{
		Time:          s.Now(),
		HostID:        reply.Note.HostID,
		Root:          reply.Note.Root,
		OrderType:     reply.Note.OrderType,
		Phase:         reply.Note.Phase,
		ReturnCode:    reply.Note.ReturnCode,
		RequestBytes:  requestBytes,
		ResponseBytes: len(reply.Body),
	}
	if err := s.cfg.Journal.Append(entry); err != nil {
		s.log.Error("journal append failed", "error", err)
	}
}

// ebicsResult labels a reply for the request counter: the EBICS return code
// when one exists, the HTTP status otherwise.
func ebicsResult(reply *engine.Reply) string {
	if reply.Note.ReturnCode != "" {
		return reply.Note.ReturnCode
	}
	return "http_" + strconv.Itoa(reply.Status)
}
