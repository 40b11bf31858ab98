package verifier

import (
	"archive/zip"
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"

	"github.com/zoff-tech/envelope-ingest/pkg/store"
)

const (
	// ContentEntry is the archive entry holding the supplier's payload.
	ContentEntry = "envelope.zip"
	// SignatureEntry is the archive entry holding the detached signature over
	// ContentEntry.
	SignatureEntry = "signature"
)

// Result is the outcome of verifying one uploaded archive.
type Result struct {
	OK          bool
	ErrorCode   store.ErrorCode
	Description string
}

// Verify checks the structure and signature of an uploaded archive. The
// archive must contain exactly two entries, ContentEntry and SignatureEntry,
// and the signature must verify SHA-256-with-RSA over the raw content bytes.
// Verify is a pure function of (data, key): identical input yields an
// identical result, so retrying it on unchanged bytes is pointless but safe.
func Verify(data []byte, key *rsa.PublicKey) Result {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return structuralFailure(fmt.Sprintf("uploaded file is not a readable zip archive: %v", err))
	}

	if len(reader.File) != 2 {
		return structuralFailure(fmt.Sprintf("archive must contain exactly 2 entries, found %d", len(reader.File)))
	}

	content, err := readEntry(reader, ContentEntry)
	if err != nil {
		return structuralFailure(err.Error())
	}
	signature, err := readEntry(reader, SignatureEntry)
	if err != nil {
		return structuralFailure(err.Error())
	}

	digest := sha256.Sum256(content)
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], signature); err != nil {
		return Result{
			ErrorCode:   store.ErrSignatureVerification,
			Description: "detached signature does not verify against the archive content",
		}
	}

	return Result{OK: true}
}

func structuralFailure(description string) Result {
	return Result{ErrorCode: store.ErrZipProcessingFailure, Description: description}
}

func readEntry(reader *zip.Reader, name string) ([]byte, error) {
	for _, file := range reader.File {
		if file.Name != name {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return nil, fmt.Errorf("cannot open archive entry %q: %v", name, err)
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, fmt.Errorf("cannot read archive entry %q: %v", name, err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("archive entry %q is missing", name)
}

// ParsePublicKey loads an RSA public key from PEM, accepting both PKIX and
// PKCS#1 encodings.
func ParsePublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("no PEM block found in public key data")
	}

	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, want *rsa.PublicKey", parsed)
	}
	return key, nil
}
