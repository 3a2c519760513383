package utils

import (
	"strings"

	"github.com/gosimple/unidecode"
)

const maxLabelLength = 50

// CleanLabel folds a participant label to printable ASCII and trims it to fit
// the label column. Labels arrive through URLs typed by lab staff, so
// accented input is common.
func CleanLabel(label string) string {
	label = strings.TrimSpace(unidecode.Unidecode(label))
	if len(label) > maxLabelLength {
		label = label[:maxLabelLength]
	}
	return label
}
