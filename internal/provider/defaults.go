package provider

// Defaults returns the built-in provider set. Credentials are resolved at
// request time, so sources that require one stay listed even when the key
// is absent from the environment.
func Defaults() []Config {
	return []Config{
		{
			ID:          "osm",
			Name:        "OpenStreetMap",
			URLTemplate: "https://{s}.tile.openstreetmap.org/{z}/{x}/{y}.png",
			Subdomains:  []string{"a", "b", "c"},
			MinZoom:     0,
			MaxZoom:     19,
		},
		{
			ID:          "opentopo",
			Name:        "OpenTopoMap",
			URLTemplate: "https://{s}.tile.opentopomap.org/{z}/{x}/{y}.png",
			Subdomains:  []string{"a", "b", "c"},
			MinZoom:     0,
			MaxZoom:     17,
		},
		{
			ID:          "esri-imagery",
			Name:        "Esri World Imagery",
			URLTemplate: "https://server.arcgisonline.com/ArcGIS/rest/services/World_Imagery/MapServer/tile/{z}/{y}/{x}",
			MinZoom:     0,
			MaxZoom:     19,
		},
		{
			ID:                 "maptiler-satellite",
			Name:               "MapTiler Satellite",
			URLTemplate:        "https://api.maptiler.com/tiles/satellite-v2/{z}/{x}/{y}.jpg?key={token}",
			RequiresCredential: true,
			CredentialSource:   "MAPTILER_API_KEY",
			MinZoom:            0,
			MaxZoom:            20,
		},
	}
}
