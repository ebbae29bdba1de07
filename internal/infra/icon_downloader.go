package infra

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/disintegration/imaging"
)

// IconDownloader mirrors coin logos locally for the journal UI.
// Icons are fetched once per asset key and resized for consistent display.
type IconDownloader struct {
	basePath string
	client   *http.Client
}

// NewIconDownloader creates a new IconDownloader
func NewIconDownloader() (*IconDownloader, error) {
	path, err := getAssetsPath()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve assets path: %w", err)
	}

	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create assets directory: %w", err)
	}

	// Optimize HTTP Transport to prevent connection leaks
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = 100
	transport.MaxConnsPerHost = 10
	transport.IdleConnTimeout = 30 * time.Second

	return &IconDownloader{
		basePath: path,
		client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: transport,
		},
	}, nil
}

// DownloadIcon downloads the icon for an asset key if it doesn't exist
// and returns the local file path. Images are resized to 32x32 pixels.
func (d *IconDownloader) DownloadIcon(assetKey string) (string, error) {
	// Security: Sanitize the key to prevent path traversal
	safeKey := sanitizeAssetKey(assetKey)
	if safeKey == "" {
		return "", fmt.Errorf("invalid asset key: %s", assetKey)
	}

	fileName := strings.ToLower(safeKey) + ".png"
	filePath := filepath.Join(d.basePath, fileName)

	if _, err := os.Stat(filePath); err == nil {
		return filePath, nil // Already mirrored
	}

	// CoinCap CDN serves icons keyed by lowercase ticker
	url := fmt.Sprintf("https://assets.coincap.io/assets/icons/%s@2x.png", strings.ToLower(safeKey))

	resp, err := d.client.Get(url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("bad status: %s", resp.Status)
	}

	srcImg, err := imaging.Decode(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to decode image: %w", err)
	}

	resizedImg := imaging.Resize(srcImg, 32, 32, imaging.Lanczos)

	if err := imaging.Save(resizedImg, filePath); err != nil {
		return "", fmt.Errorf("failed to save resized image: %w", err)
	}

	return filePath, nil
}

// IconPath returns the local path for an asset's icon
func (d *IconDownloader) IconPath(assetKey string) string {
	return filepath.Join(d.basePath, strings.ToLower(sanitizeAssetKey(assetKey))+".png")
}

func getAssetsPath() (string, error) {
	var configDir string
	var err error

	if runtime.GOOS == "windows" {
		configDir = os.Getenv("LOCALAPPDATA")
		if configDir == "" {
			configDir, err = os.UserConfigDir()
		}
	} else {
		configDir, err = os.UserConfigDir()
	}

	if err != nil {
		return "", err
	}

	return filepath.Join(configDir, "CryptoVaultX", "assets", "icons"), nil
}

func sanitizeAssetKey(assetKey string) string {
	res := make([]rune, 0, len(assetKey))
	for _, r := range assetKey {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			res = append(res, r)
		}
	}
	return string(res)
}
