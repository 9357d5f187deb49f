package server

import "net/http"

// iconSVG is the branding asset served on /icon and /icon.svg so MCP hosts
// can render the gateway in their server pickers.
const iconSVG = `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 64 64">
  <rect width="64" height="64" rx="12" fill="#1d2733"/>
  <circle cx="20" cy="32" r="6" fill="#4fc3f7"/>
  <circle cx="44" cy="18" r="5" fill="#81d4fa"/>
  <circle cx="44" cy="46" r="5" fill="#81d4fa"/>
  <path d="M25 30l14-10M25 34l14 10" stroke="#4fc3f7" stroke-width="3" fill="none" stroke-linecap="round"/>
</svg>
`

func handleIcon(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "image/svg+xml")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Write([]byte(iconSVG))
}
