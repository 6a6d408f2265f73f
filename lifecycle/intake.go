package lifecycle

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/segmentio/ksuid"
	"wuyrush.io/linkvault/common/logging"
	"wuyrush.io/linkvault/common/metrics"
	rt "wuyrush.io/linkvault/common/retry"
	"wuyrush.io/linkvault/common/secret"
	cst "wuyrush.io/linkvault/constants"
	se "wuyrush.io/linkvault/errors"
	md "wuyrush.io/linkvault/models"
	st "wuyrush.io/linkvault/stores"
)

const (
	mimeTypeUnknown = "application/octet-stream"
	// number of fresh ids to try after the first one clashes
	dupIDRetries = 2
)

// Upload is a request to create content. Exactly one of Text and File must be given.
type Upload struct {
	Text string
	File *FileUpload
	// GoodFor is the lifetime of the content; zero means the default lifetime
	GoodFor time.Duration
	// Password gates the content if non-empty. bcrypt only looks at the first 72 bytes
	Password    string `validate:"max=72"`
	ReadAndBurn bool
	// MaxViews caps the number of views when positive
	MaxViews int
	OwnerID  string `validate:"max=64"`
}

type FileUpload struct {
	Name string `validate:"required,max=255"`
	// MIMEType as declared by the uploader. It is detected from the data if empty or generic
	MIMEType string
	Body     io.Reader `validate:"-"`
}

// Limits bounds what can be uploaded
type Limits struct {
	GoodForDefault time.Duration
	GoodForMin     time.Duration
	GoodForMax     time.Duration
	FileSizeMax    int64
	TextSizeMax    int
}

// Intake creates content out of uploads
type Intake struct {
	Store  st.ContentStore
	Files  st.FileStore
	Hasher secret.Hasher
	Limits Limits
	Now    func() time.Time
	// NewID returns a fresh content id
	NewID    func() string
	validate *validator.Validate
}

func NewIntake(store st.ContentStore, files st.FileStore, hasher secret.Hasher, limits Limits) *Intake {
	in := &Intake{
		Store:  store,
		Files:  files,
		Hasher: hasher,
		Limits: limits,
		Now:    time.Now,
		NewID:  func() string { return ksuid.New().String() },
	}
	in.validate = validator.New()
	in.validate.RegisterStructValidation(in.validateUpload, Upload{})
	return in
}

func (in *Intake) validateUpload(sl validator.StructLevel) {
	u := sl.Current().Interface().(Upload)
	switch {
	case u.Text == "" && u.File == nil:
		sl.ReportError(u.Text, "Text", "Text", "text_or_file", "")
	case u.Text != "" && u.File != nil:
		sl.ReportError(u.Text, "Text", "Text", "text_xor_file", "")
	}
	if u.GoodFor < in.Limits.GoodForMin || u.GoodFor > in.Limits.GoodForMax {
		sl.ReportError(u.GoodFor, "GoodFor", "GoodFor", "good_for_range", "")
	}
}

func badInput(err error) *se.Err {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return se.NewBadInput("invalid upload").WithCause(err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "text_or_file":
			msgs = append(msgs, "either text or file is required")
		case "text_xor_file":
			msgs = append(msgs, "cannot upload both text and file")
		case "good_for_range":
			msgs = append(msgs, "expiry out of range")
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", strings.ToLower(fe.Field())))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s is too long", strings.ToLower(fe.Field())))
		default:
			msgs = append(msgs, fmt.Sprintf("invalid %s", strings.ToLower(fe.Field())))
		}
	}
	return se.NewBadInput(strings.Join(msgs, "; ")).WithCause(err)
}

// Create validates u and persists content out of it. The content id is assigned here and retried with a
// fresh one should it clash with an existing id.
func (in *Intake) Create(ctx context.Context, u Upload) (*md.Content, *se.Err) {
	clog := logging.FromContext(ctx, logging.WithFuncName())
	// 1. normalize and validate upload
	u.Text = strings.TrimSpace(u.Text)
	u.Password = strings.TrimSpace(u.Password)
	if u.GoodFor == 0 {
		u.GoodFor = in.Limits.GoodForDefault
	}
	if err := in.validate.Struct(u); err != nil {
		return nil, badInput(err)
	}
	if in.Limits.TextSizeMax > 0 && len(u.Text) > in.Limits.TextSizeMax {
		return nil, se.NewOversized().WithMsg(fmt.Sprintf("text exceeds %d bytes", in.Limits.TextSizeMax))
	}
	now := in.Now()
	c := &md.Content{
		CreationTime: now,
		Expiry:       now.Add(u.GoodFor),
		ReadAndBurn:  u.ReadAndBurn,
		OwnerID:      u.OwnerID,
	}
	if u.MaxViews > 0 {
		c.MaxViews = uint64(u.MaxViews)
	}
	if u.Password != "" {
		hash, err := in.Hasher.Hash(u.Password)
		if err != nil {
			clog.WithError(err).Error("error hashing content password")
			return nil, err
		}
		c.PasswordHash = hash
	}
	// 2. save file data if any
	if u.File == nil {
		c.Payload = md.TextPayload{Body: u.Text}
	} else {
		fp, err := in.saveFile(ctx, u.File)
		if err != nil {
			return nil, err
		}
		c.Payload = *fp
	}
	// 3. persist content
	putFn := func() error {
		c.ID = in.NewID()
		if err := in.Store.Put(ctx, c); err != nil {
			return err
		}
		return nil
	}
	err := rt.Retry(putFn,
		rt.WithMaxAttempts(dupIDRetries),
		rt.WithRetryOn(func(e error) bool { return se.CodeOf(e) == se.ErrCodeDuplicateID }),
	)
	if err != nil {
		clog.WithError(err).Error("error persisting content")
		if fp, ok := c.File(); ok {
			// the file never became part of any content; nobody else would ever release it
			if derr := in.Files.Delete(fp.Ref); derr != nil {
				clog.WithError(derr).WithField("ref", fp.Ref).Error("error releasing file of failed upload")
			}
		}
		serr, ok := err.(*se.Err)
		if !ok || serr.Code == se.ErrCodeDuplicateID {
			return nil, se.NewServiceFailure("error saving content").WithCause(err)
		}
		return nil, serr
	}
	metrics.ContentCreatedTotal.WithLabelValues(c.Kind().String()).Inc()
	clog.WithFields(map[string]interface{}{
		cst.LogFieldContentID: c.ID,
		"kind":                c.Kind().String(),
	}).Info("content created")
	return c, nil
}

func (in *Intake) saveFile(ctx context.Context, f *FileUpload) (*md.FilePayload, *se.Err) {
	clog := logging.FromContext(ctx, logging.WithFuncName()).WithField("filename", f.Name)
	ref := in.Files.Ref(ksuid.New().String(), f.Name)
	size, err := in.Files.Save(ref, f.Body, in.Limits.FileSizeMax)
	if err != nil {
		if err.Code != se.ErrCodeOversized {
			clog.WithError(err).Error("error saving file")
		}
		return nil, err
	}
	mimeType := f.MIMEType
	if mimeType == "" || mimeType == mimeTypeUnknown {
		mimeType = in.detectMIMEType(ref)
	}
	return &md.FilePayload{Ref: ref, Name: f.Name, Size: size, MIMEType: mimeType}, nil
}

func (in *Intake) detectMIMEType(ref string) string {
	rc, err := in.Files.Get(ref)
	if err != nil {
		return mimeTypeUnknown
	}
	defer rc.Close()
	mt, derr := mimetype.DetectReader(rc)
	if derr != nil {
		return mimeTypeUnknown
	}
	return mt.String()
}
