package install

import (
	"bytes"
	"fmt"
	"strings"

	peparser "github.com/saferwall/pe"
)

// cmdlineSectionName is the PE section UKIs embed their kernel
// command line under (see the systemd-stub UKI layout).
const cmdlineSectionName = ".cmdline"

// ExtractUKICmdline parses content as a PE/COFF image and returns the
// NUL-trimmed text of its .cmdline section.
func ExtractUKICmdline(content []byte) (string, error) {
	file, err := peparser.NewBytes(content, &peparser.Options{Fast: true})
	if err != nil {
		return "", fmt.Errorf("opening UKI as PE: %w", err)
	}
	if err := file.Parse(); err != nil {
		return "", fmt.Errorf("parsing UKI PE headers: %w", err)
	}
	if file.DOSHeader.Magic != peparser.ImageDOSZMSignature && file.DOSHeader.Magic != peparser.ImageDOSSignature {
		return "", fmt.Errorf("UKI content has no PE/DOS header")
	}

	for i := range file.Sections {
		sec := &file.Sections[i]
		name := strings.TrimRight(string(sec.Header.Name[:]), "\x00")
		if name != cmdlineSectionName {
			continue
		}
		data := sec.Data(0, sec.Header.SizeOfRawData, file)
		return string(bytes.TrimRight(data, "\x00")), nil
	}
	return "", fmt.Errorf("UKI content has no %s section", cmdlineSectionName)
}
