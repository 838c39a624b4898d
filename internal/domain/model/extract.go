package model

// Extract — объект выгрузки Brightspace Data Sets (BDS) из Valence API.
type Extract struct {
	ExtractID               string `json:"ExtractId"`
	SchemaID                string `json:"SchemaId"`
	PluginID                string `json:"PluginId"`
	BdsType                 string `json:"BdsType"`
	CreatedDate             string `json:"CreatedDate"`
	DownloadLink            string `json:"DownloadLink"`
	DownloadSize            int64  `json:"DownloadSize"`
	QueuedForProcessingDate string `json:"QueuedForProcessingDate"`
}

// ExtractPage — страница списка выгрузок (GET .../extracts).
// Первый объект считается самой свежей выгрузкой; порядок не пересортировывается.
type ExtractPage struct {
	Objects []Extract `json:"Objects"`
	Next    *string   `json:"Next"`
}
