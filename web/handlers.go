package web

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/dhcgn/mailgate/gateway"
	"github.com/dhcgn/mailgate/model"
)

const multipartMemory = 8 << 20

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Domain   string `json:"domain"`
}

type mailboxList struct {
	MailboxNames []string `json:"mailbox_names"`
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		writeText(w, http.StatusBadRequest, "invalid sign-in payload")
		return
	}
	creds, err := s.gw.SignIn(r.Context(), model.Credentials{Email: req.Email, Password: req.Password, Domain: req.Domain})
	if err != nil {
		if errors.Is(err, model.ErrInvalidRequest) {
			s.writeError(w, r, err)
			return
		}
		s.log(r).Info("sign-in rejected", "email", req.Email, "err", err)
		writeText(w, http.StatusUnauthorized, "Failed to establish sessions: "+err.Error())
		return
	}
	if err := s.saveCredentials(w, r, creds); err != nil {
		s.log(r).Error("session save failed", "err", err)
		writeText(w, http.StatusInternalServerError, "session could not be stored")
		return
	}
	writeText(w, http.StatusOK, "IMAP and SMTP sessions created")
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	sess, _, ok := s.sessionCredentials(r)
	if !ok {
		writeText(w, http.StatusUnauthorized, "Unauthorized signing out")
		return
	}
	sess.Values = map[any]any{}
	sess.Options.MaxAge = -1
	if err := sess.Save(r, w); err != nil {
		s.log(r).Error("session purge failed", "err", err)
		writeText(w, http.StatusInternalServerError, "session could not be purged")
		return
	}
	writeText(w, http.StatusOK, "Successfully signed out")
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		writeText(w, http.StatusNotFound, "404 Not Found")
		return
	}
	writeJSON(w, http.StatusOK, s.stats.Summary())
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	creds, err := credentialsFrom(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	page, err := queryInt(q.Get("requested_page_number"), "requested_page_number")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	size, err := queryInt(q.Get("page_size"), "page_size")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	listing, err := s.gw.List(r.Context(), creds, gateway.ListRequest{
		Mailbox:  q.Get("mailbox_name"),
		Page:     page,
		PageSize: size,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	creds, err := credentialsFrom(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	top, err := queryUint(q.Get("sequence_set_top"), "sequence_set_top")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	bottom, err := queryUint(q.Get("sequence_set_bottom"), "sequence_set_bottom")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	err = s.gw.Delete(r.Context(), creds, gateway.DeleteRequest{
		Mailbox: q.Get("mailbox_name"),
		Top:     top,
		Bottom:  bottom,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeText(w, http.StatusOK, "Ok")
}

func (s *Server) handleMailboxes(w http.ResponseWriter, r *http.Request) {
	creds, err := credentialsFrom(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	names, err := s.gw.Mailboxes(r.Context(), creds)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mailboxList{MailboxNames: names})
}

func (s *Server) handleDetail(w http.ResponseWriter, r *http.Request) {
	creds, err := credentialsFrom(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	seq, err := queryUint(q.Get("sequence_number"), "sequence_number")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	detail, err := s.gw.Detail(r.Context(), creds, gateway.DetailRequest{
		Mailbox: q.Get("mailbox_name"),
		SeqNum:  seq,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleAttachment(w http.ResponseWriter, r *http.Request) {
	creds, err := credentialsFrom(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	seq, err := queryUint(q.Get("sequence_number"), "sequence_number")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	dl, err := s.gw.Attachment(r.Context(), creds, gateway.AttachmentRequest{
		Mailbox: q.Get("mailbox_name"),
		SeqNum:  seq,
		Name:    q.Get("attachment_name"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Disposition", dl.Disposition())
	h.Set("Content-Encoding", "identity")
	h.Set("Content-Length", strconv.Itoa(len(dl.Content)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(dl.Content); err != nil {
		s.log(r).Debug("attachment write aborted", "err", err)
	}
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	creds, err := credentialsFrom(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if r.ContentLength > s.opts.MaxUploadBytes {
		writeText(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", s.opts.MaxUploadBytes))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(min(s.opts.MaxUploadBytes, multipartMemory)); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeText(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		s.writeError(w, r, fmt.Errorf("multipart form: %v: %w", err, model.ErrInvalidRequest))
		return
	}
	defer r.MultipartForm.RemoveAll()

	out, err := outgoingFromForm(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.gw.Send(r.Context(), creds, out); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeText(w, http.StatusOK, "Ok")
}

// outgoingFromForm collects the text fields and every uploaded file of a
// parsed multipart form. Files are ordered by field name.
func outgoingFromForm(r *http.Request) (model.Outgoing, error) {
	form := r.MultipartForm
	out := model.Outgoing{
		To:      splitAddresses(form.Value["to_address"]),
		Subject: first(form.Value["subject"]),
		Body:    first(form.Value["body"]),
	}

	fields := make([]string, 0, len(form.File))
	for field := range form.File {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		for _, fh := range form.File[field] {
			f, err := fh.Open()
			if err != nil {
				return model.Outgoing{}, fmt.Errorf("open upload %s: %w", fh.Filename, err)
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				return model.Outgoing{}, fmt.Errorf("read upload %s: %w", fh.Filename, err)
			}
			out.Attachments = append(out.Attachments, model.OutgoingAttachment{
				Name:        fh.Filename,
				ContentType: fh.Header.Get("Content-Type"),
				Data:        data,
			})
		}
	}
	return out, nil
}

func splitAddresses(values []string) []string {
	var out []string
	for _, v := range values {
		for _, addr := range strings.Split(v, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				out = append(out, addr)
			}
		}
	}
	return out
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func queryInt(raw, name string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", name, model.ErrInvalidRequest)
	}
	return n, nil
}

func queryUint(raw, name string) (uint32, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%s must be a non-negative integer: %w", name, model.ErrInvalidRequest)
	}
	return uint32(n), nil
}

// writeError maps service errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidRequest):
		writeText(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, model.ErrNotFound):
		writeText(w, http.StatusNotFound, "404 Not Found")
	case errors.Is(err, model.ErrUnauthenticated) || model.IsAuthError(err):
		writeText(w, http.StatusUnauthorized, "Unauthorized")
	case errors.Is(err, model.ErrReadOnly):
		writeText(w, http.StatusForbidden, "mailbox is read-only")
	case model.IsProtocolError(err):
		writeText(w, http.StatusBadGateway, "mail server error: "+err.Error())
	default:
		s.log(r).Error("request failed", "err", err)
		writeText(w, http.StatusInternalServerError, "internal error")
	}
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		writeText(w, http.StatusInternalServerError, "Error serializing response: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
