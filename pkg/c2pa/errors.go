package c2pa

import "github.com/titleprotocol/core/pkg/errs"

func errNoManifest(msg string) error {
	return errs.New(errs.Verification, "no manifest: "+msg)
}

func errMalformedStore(err error) error {
	return errs.Wrap(errs.Verification, "malformed manifest store", err)
}

func errSignatureInvalid(code string, err error) error {
	return errs.Wrap(errs.Verification, "signature invalid: "+code, err)
}

func errGraphTooLarge() error {
	return errs.New(errs.Verification, "provenance graph exceeds max_graph_size")
}
