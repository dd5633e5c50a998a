package fastboot

import (
	"errors"
	"strconv"

	"github.com/ardnew/fastbootd/pkg"
)

// DownloadSizeDigits is the exact number of hex digits of a download size.
const DownloadSizeDigits = 8

// DownloadHandler implements "download:<8 hex digits>". It runs the
// download phase and replies OKAY once the declared size has arrived.
func DownloadHandler(s *Session, arg string) Outcome {
	if arg == "" {
		return Fail("size argument unspecified")
	}
	if len(arg) != DownloadSizeDigits {
		return Failf("invalid size (length of size != %d)", DownloadSizeDigits)
	}
	size, err := strconv.ParseUint(arg, 16, 32)
	if err != nil {
		return Failf("invalid size %q", arg)
	}

	if err := s.ReceiveData(int64(size)); err != nil {
		var limit *pkg.SizeLimitError
		if errors.As(err, &limit) {
			return Failf("requested download size 0x%x exceeds max 0x%x", limit.Size, limit.Limit)
		}
		return FailErr(err)
	}
	return Okay("")
}

// UploadHandler implements "upload". It sends the payload a previous
// command staged with SetUploadData.
func UploadHandler(s *Session, arg string) Outcome {
	if !s.HasUploadData() {
		return Fail("no data to upload")
	}
	if err := s.SendData(); err != nil {
		return FailErr(err)
	}
	return Okay("")
}
