package imaging

import (
	"embed"
)

//go:embed assets/no-image.svg
var assetsFS embed.FS

// Placeholder renders the bundled "no image" graphic as a PNG of the
// given dimensions. The dashboard serves it whenever a thumbnail is
// requested for an event that has no stored image.
func Placeholder(width, height int) ([]byte, error) {
	svgData, err := assetsFS.ReadFile("assets/no-image.svg")
	if err != nil {
		return nil, err
	}
	return RenderSVG(svgData, width, height)
}
