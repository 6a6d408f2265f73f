package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/samber/lo"
	"github.com/segmentio/ksuid"
	log "github.com/sirupsen/logrus"
	"wuyrush.io/linkvault/common/logging"
	mw "wuyrush.io/linkvault/common/middleware"
	cst "wuyrush.io/linkvault/constants"
	se "wuyrush.io/linkvault/errors"
	"wuyrush.io/linkvault/lifecycle"
	md "wuyrush.io/linkvault/models"
)

const (
	fieldText          = "text"
	fieldFile          = "file"
	fieldExpiryMinutes = "expiryMinutes"
	fieldGoodFor       = "goodFor"
	fieldPassword      = "password"
	fieldIsOneTimeView = "isOneTimeView"
	fieldMaxViews      = "maxViews"

	// parts of multipart form beyond this size are buffered on disk
	multipartMemMax = 1 << 20
	// body of content view request carries nothing but a password
	viewReqBodySizeMax  = 4 << 10
	mimeTypeOctetStream = "application/octet-stream"
	errMsgNotFound      = "content not found"
)

type apiResponse struct {
	Success          bool        `json:"success"`
	Message          string      `json:"message,omitempty"`
	RequiresPassword bool        `json:"requiresPassword,omitempty"`
	Data             interface{} `json:"data,omitempty"`
}

type uploadData struct {
	ContentID     string    `json:"contentId"`
	URL           string    `json:"url"`
	Type          string    `json:"type"`
	ExpiresAt     time.Time `json:"expiresAt"`
	HasPassword   bool      `json:"hasPassword"`
	IsOneTimeView bool      `json:"isOneTimeView"`
	MaxViews      uint64    `json:"maxViews,omitempty"`
}

type contentData struct {
	ContentID     string    `json:"contentId"`
	URL           string    `json:"url"`
	Type          string    `json:"type"`
	CreatedAt     time.Time `json:"createdAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
	ViewCount     uint64    `json:"viewCount"`
	MaxViews      uint64    `json:"maxViews,omitempty"`
	IsOneTimeView bool      `json:"isOneTimeView"`
	HasPassword   bool      `json:"hasPassword"`
	CanDelete     bool      `json:"canDelete"`
	TextContent   string    `json:"textContent,omitempty"`
	FileName      string    `json:"fileName,omitempty"`
	FileSize      int64     `json:"fileSize,omitempty"`
	MIMEType      string    `json:"mimeType,omitempty"`
	DownloadURL   string    `json:"downloadUrl,omitempty"`
}

// uploadRequest is the upload form as sent by clients. Expiry is given either in minutes or as a Go
// duration string; the default expiry applies if neither is given.
type uploadRequest struct {
	Text          string `json:"text"`
	ExpiryMinutes int    `json:"expiryMinutes"`
	GoodFor       string `json:"goodFor"`
	Password      string `json:"password"`
	IsOneTimeView bool   `json:"isOneTimeView"`
	MaxViews      int    `json:"maxViews"`
}

func uploadRequestFromForm(r *http.Request) (*uploadRequest, *se.Err) {
	req := &uploadRequest{
		Text:     r.FormValue(fieldText),
		GoodFor:  r.FormValue(fieldGoodFor),
		Password: r.FormValue(fieldPassword),
	}
	var err error
	if v := r.FormValue(fieldExpiryMinutes); v != "" {
		if req.ExpiryMinutes, err = strconv.Atoi(v); err != nil {
			return nil, se.NewBadInput("expiryMinutes must be an integer").WithCause(err)
		}
	}
	if v := r.FormValue(fieldMaxViews); v != "" {
		if req.MaxViews, err = strconv.Atoi(v); err != nil {
			return nil, se.NewBadInput("maxViews must be an integer").WithCause(err)
		}
	}
	if v := r.FormValue(fieldIsOneTimeView); v != "" {
		if req.IsOneTimeView, err = strconv.ParseBool(v); err != nil {
			return nil, se.NewBadInput("isOneTimeView must be a boolean").WithCause(err)
		}
	}
	return req, nil
}

func (req *uploadRequest) upload() (*lifecycle.Upload, *se.Err) {
	u := &lifecycle.Upload{
		Text:        req.Text,
		Password:    req.Password,
		ReadAndBurn: req.IsOneTimeView,
		MaxViews:    req.MaxViews,
	}
	switch {
	case req.ExpiryMinutes != 0 && req.GoodFor != "":
		return nil, se.NewBadInput("give either expiryMinutes or goodFor, not both")
	case req.ExpiryMinutes < 0:
		return nil, se.NewBadInput("expiryMinutes must be positive")
	case req.ExpiryMinutes > 0:
		u.GoodFor = time.Duration(req.ExpiryMinutes) * time.Minute
	case req.GoodFor != "":
		goodFor, err := time.ParseDuration(req.GoodFor)
		if err != nil {
			return nil, se.NewBadInput("error parsing good-for period").WithCause(err)
		}
		u.GoodFor = goodFor
	}
	return u, nil
}

// HandleTaskUpload creates content out of text or a single file. Uploads by authenticated requesters
// are owned by them.
func (s *linkVaultServer) HandleTaskUpload() httprouter.Handle {
	clog := logging.WithFuncName().WithField("httpMethod", http.MethodPost)
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		rlog := logging.FromContext(r.Context(), clog)
		// limit request size and parse request form
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.ReqBodySizeMax)
		u, closeFn, err := s.parseUpload(r)
		defer closeFn()
		if err != nil {
			rlog.WithError(err).Info("error parsing upload")
			writeErr(w, err)
			return
		}
		if user := mw.UserFrom(r.Context()); !user.Anonymous() {
			u.OwnerID = user.ID
		}
		c, err := s.Intake.Create(r.Context(), *u)
		if err != nil {
			if err.Code == se.ErrCodeServiceFailure {
				rlog.WithField("trace", err.Trace()).Error("error creating content")
			} else {
				rlog.WithError(err).Info("upload rejected")
			}
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, apiResponse{
			Success: true,
			Message: "content uploaded",
			Data: uploadData{
				ContentID:     c.ID,
				URL:           s.contentURL(c.ID),
				Type:          c.Kind().String(),
				ExpiresAt:     c.Expiry,
				HasPassword:   c.Protected(),
				IsOneTimeView: c.ReadAndBurn,
				MaxViews:      c.MaxViews,
			},
		})
	}
}

// parseUpload reads the upload out of a JSON, url-encoded or multipart request body. The returned
// function releases resources held by the parsed form and is never nil.
func (s *linkVaultServer) parseUpload(r *http.Request) (*lifecycle.Upload, func(), *se.Err) {
	noop := func() {}
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, noop, se.NewBadInput("missing or malformed Content-Type").WithCause(err)
	}
	switch mediaType {
	case "application/json":
		req := &uploadRequest{}
		if err := json.NewDecoder(r.Body).Decode(req); err != nil {
			return nil, noop, bodyErr(err)
		}
		u, uerr := req.upload()
		return u, noop, uerr
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return nil, noop, bodyErr(err)
		}
		req, rerr := uploadRequestFromForm(r)
		if rerr != nil {
			return nil, noop, rerr
		}
		u, uerr := req.upload()
		return u, noop, uerr
	case "multipart/form-data":
		if err := r.ParseMultipartForm(multipartMemMax); err != nil {
			return nil, noop, bodyErr(err)
		}
		var f multipart.File
		closeFn := func() {
			if f != nil {
				f.Close()
			}
			r.MultipartForm.RemoveAll()
		}
		req, rerr := uploadRequestFromForm(r)
		if rerr != nil {
			return nil, closeFn, rerr
		}
		u, uerr := req.upload()
		if uerr != nil {
			return nil, closeFn, uerr
		}
		f, fh, ferr := r.FormFile(fieldFile)
		switch {
		case ferr == nil:
			u.File = &lifecycle.FileUpload{
				Name:     fh.Filename,
				MIMEType: fh.Header.Get("Content-Type"),
				Body:     f,
			}
		case errors.Is(ferr, http.ErrMissingFile):
		default:
			return nil, closeFn, se.NewBadInput("error reading uploaded file").WithCause(ferr)
		}
		return u, closeFn, nil
	default:
		return nil, noop, se.NewBadInput(fmt.Sprintf("unsupported Content-Type %s", mediaType))
	}
}

// bodyErr translates errors of reading request body
func bodyErr(err error) *se.Err {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) || strings.Contains(err.Error(), "http: request body too large") {
		return se.NewOversized().WithMsg("request oversized").WithCause(err)
	}
	return se.NewBadInput("error parsing request body").WithCause(err)
}

// HandleTaskGetContent returns the content of given id. Text content counts a view; file content is
// described along with its download url, and only the download counts a view.
func (s *linkVaultServer) HandleTaskGetContent() httprouter.Handle {
	clog := logging.WithFuncName().WithField("httpMethod", http.MethodPost)
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		id := ps.ByName("id")
		rlog := logging.FromContext(r.Context(), clog).WithField(cst.LogFieldContentID, id)
		if _, err := ksuid.Parse(id); err != nil {
			rlog.WithError(err).Info("got invalid content ID")
			writeErr(w, se.NewNotFound(errMsgNotFound))
			return
		}
		var body struct {
			Password string `json:"password"`
		}
		r.Body = http.MaxBytesReader(w, r.Body, viewReqBodySizeMax)
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
			writeErr(w, bodyErr(err))
			return
		}
		c, err := s.Gate.Evaluate(r.Context(), id, body.Password)
		if err != nil {
			logAccessErr(rlog, err)
			writeErr(w, err)
			return
		}
		if c.Kind() == md.KindText {
			if c, err = s.Mutator.RecordAccess(r.Context(), id); err != nil {
				logAccessErr(rlog, err)
				writeErr(w, err)
				return
			}
		}
		writeJSON(w, http.StatusOK, apiResponse{
			Success: true,
			Data:    s.contentData(c, mw.UserFrom(r.Context()), true),
		})
	}
}

// HandleTaskDownload streams the file of given content to requester and counts a view. Password is
// taken from X-Content-Password header, or the password query parameter for plain links.
func (s *linkVaultServer) HandleTaskDownload() httprouter.Handle {
	clog := logging.WithFuncName().WithField("httpMethod", http.MethodGet)
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		id := ps.ByName("id")
		rlog := logging.FromContext(r.Context(), clog).WithField(cst.LogFieldContentID, id)
		if _, err := ksuid.Parse(id); err != nil {
			rlog.WithError(err).Info("got invalid content ID")
			writeErr(w, se.NewNotFound(errMsgNotFound))
			return
		}
		password := r.Header.Get(cst.HeaderContentPassword)
		if password == "" {
			password = r.URL.Query().Get(fieldPassword)
		}
		c, err := s.Gate.Evaluate(r.Context(), id, password)
		if err != nil {
			logAccessErr(rlog, err)
			writeErr(w, err)
			return
		}
		fp, ok := c.File()
		if !ok {
			writeErr(w, se.NewBadInput("content is not a file"))
			return
		}
		// open the file before counting the view, so a lost file never costs the requester a view
		rc, err := s.Files.Get(fp.Ref)
		if err != nil {
			rlog.WithError(err).WithField("ref", fp.Ref).Error("error getting io stream of file")
			if err.Code == se.ErrCodeNotFound {
				err = se.NewNotFound("file not found")
			}
			writeErr(w, err)
			return
		}
		defer rc.Close()
		if _, err := s.Mutator.RecordAccess(r.Context(), id); err != nil {
			logAccessErr(rlog, err)
			writeErr(w, err)
			return
		}
		mimeType := fp.MIMEType
		if mimeType == "" {
			mimeType = mimeTypeOctetStream
		}
		// header to force download behavior on browser clients
		headers := w.Header()
		headers.Set("Content-Type", mimeType)
		headers.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": fp.Name}))
		headers.Set("Content-Length", strconv.FormatInt(fp.Size, 10))
		w.WriteHeader(http.StatusOK)
		if n, err := bufio.NewReader(rc).WriteTo(w); err != nil {
			// headers are gone already; all we can do is to cut the stream short
			rlog.WithError(err).WithField("bytesWritten", n).Error("error sending file data to requester")
		} else {
			rlog.WithField("bytesWritten", n).Info("file sent to requester successfully")
		}
	}
}

// HandleTaskDeleteContent retires the content of given id on behalf of its owner
func (s *linkVaultServer) HandleTaskDeleteContent() httprouter.Handle {
	clog := logging.WithFuncName().WithField("httpMethod", http.MethodDelete)
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		id := ps.ByName("id")
		user := mw.UserFrom(r.Context())
		rlog := logging.FromContext(r.Context(), clog).WithFields(log.Fields{
			cst.LogFieldContentID: id,
			cst.LogFieldUserID:    user.ID,
		})
		if _, err := ksuid.Parse(id); err != nil {
			writeErr(w, se.NewNotFound(errMsgNotFound))
			return
		}
		if err := s.Mutator.MarkDeleted(r.Context(), id, user.ID); err != nil {
			logAccessErr(rlog, err)
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, apiResponse{Success: true, Message: "content deleted successfully"})
	}
}

// HandleTaskListMyUploads lists live content owned by the requester, newest first. Bodies are left out.
func (s *linkVaultServer) HandleTaskListMyUploads() httprouter.Handle {
	clog := logging.WithFuncName().WithField("httpMethod", http.MethodGet)
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		user := mw.UserFrom(r.Context())
		cs, err := s.Store.ListByOwner(r.Context(), user.ID)
		if err != nil {
			logging.FromContext(r.Context(), clog).WithError(err).WithField(cst.LogFieldUserID, user.ID).
				Error("error listing uploads")
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, apiResponse{
			Success: true,
			Data: lo.Map(cs, func(c *md.Content, _ int) contentData {
				return s.contentData(c, user, false)
			}),
		})
	}
}

func (s *linkVaultServer) HandleHealth() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		writeJSON(w, http.StatusOK, apiResponse{Success: true, Message: "ok"})
	}
}

// -------------- utils --------------
func (s *linkVaultServer) contentURL(id string) string {
	return fmt.Sprintf("%s/view/%s", strings.TrimSuffix(s.cfg.PublicURL, "/"), id)
}

func (s *linkVaultServer) downloadURL(id string) string {
	return fmt.Sprintf("%s/api/download/%s", strings.TrimSuffix(s.cfg.PublicURL, "/"), id)
}

func (s *linkVaultServer) contentData(c *md.Content, requester *md.User, withBody bool) contentData {
	d := contentData{
		ContentID:     c.ID,
		URL:           s.contentURL(c.ID),
		Type:          c.Kind().String(),
		CreatedAt:     c.CreationTime,
		ExpiresAt:     c.Expiry,
		ViewCount:     c.ViewCount,
		MaxViews:      c.MaxViews,
		IsOneTimeView: c.ReadAndBurn,
		HasPassword:   c.Protected(),
		CanDelete:     !requester.Anonymous() && c.OwnedBy(requester.ID),
	}
	switch p := c.Payload.(type) {
	case md.TextPayload:
		if withBody {
			d.TextContent = p.Body
		}
	case md.FilePayload:
		d.FileName, d.FileSize, d.MIMEType = p.Name, p.Size, p.MIMEType
		if withBody {
			d.DownloadURL = s.downloadURL(c.ID)
		}
	}
	return d
}

func logAccessErr(l *log.Entry, err *se.Err) {
	if err.Denied() {
		l.WithError(err).Info("access denied")
		return
	}
	l.WithField("trace", err.Trace()).Error("error accessing content")
}

func writeErr(w http.ResponseWriter, err *se.Err) {
	writeJSON(w, err.StatusCode(), apiResponse{
		Message:          err.Error(),
		RequiresPassword: err.Code == se.ErrCodePasswordRequired || err.Code == se.ErrCodePasswordInvalid,
	})
}

func writeJSON(w http.ResponseWriter, status int, resp apiResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logging.WithFuncName().WithError(err).Error("error writing response")
	}
}
