package crypto

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Encrypter is the sealing half of a field codec.
type Encrypter interface {
	Encrypt(plaintext string) (string, error)
}

// Decrypter is the opening half of a field codec.
type Decrypter interface {
	Decrypt(blob string) string
}

// Every value pays a full PBKDF2 derivation, so batches are spread over
// one worker per CPU.
func poolSize() int {
	return runtime.GOMAXPROCS(0)
}

// EncryptAll replaces each *field with its sealed form. Fields are sealed
// concurrently; on the first error the remaining work is abandoned and the
// fields are left in an unspecified mix of plain and sealed values.
func EncryptAll(ctx context.Context, enc Encrypter, fields ...*string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(poolSize())
	for _, f := range fields {
		f := f
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			sealed, err := enc.Encrypt(*f)
			if err != nil {
				return err
			}
			*f = sealed
			return nil
		})
	}
	return g.Wait()
}

// DecryptAll replaces each *field with its plaintext, concurrently.
// Empty fields are left as they are.
func DecryptAll(dec Decrypter, fields ...*string) {
	var g errgroup.Group
	g.SetLimit(poolSize())
	for _, f := range fields {
		if *f == "" {
			continue
		}
		f := f
		g.Go(func() error {
			*f = dec.Decrypt(*f)
			return nil
		})
	}
	_ = g.Wait()
}
