// Package registry holds the fixed set of regions and platforms every
// component routes by, plus the queue naming scheme built from them.
package registry

import (
	"fmt"
	"slices"
	"strings"

	"github.com/cuongbtq/postdispatch/internal/domain"
)

// Supported platforms
const (
	PlatformFacebook  = "facebook"
	PlatformInstagram = "instagram"
	PlatformTwitter   = "twitter"
	PlatformTikTok    = "tiktok"
)

// Supported regions
const (
	RegionUSEast1      = "us-east-1"
	RegionUSWest2      = "us-west-2"
	RegionEUWest1      = "eu-west-1"
	RegionAPSoutheast1 = "ap-southeast-1"
)

// FallbackRegion is used for platforms without a configured default
const FallbackRegion = RegionUSEast1

const queueSeparator = ":"

var (
	platforms = []string{PlatformFacebook, PlatformInstagram, PlatformTwitter, PlatformTikTok}
	regions   = []string{RegionUSEast1, RegionUSWest2, RegionEUWest1, RegionAPSoutheast1}

	defaultRegions = map[string]string{
		PlatformFacebook:  RegionUSEast1,
		PlatformInstagram: RegionUSEast1,
		PlatformTwitter:   RegionUSWest2,
		PlatformTikTok:    RegionAPSoutheast1,
	}
)

// Platforms returns the supported platforms
func Platforms() []string {
	return slices.Clone(platforms)
}

// Regions returns the supported regions
func Regions() []string {
	return slices.Clone(regions)
}

// IsSupportedPlatform reports whether p is a supported platform
func IsSupportedPlatform(p string) bool {
	return slices.Contains(platforms, p)
}

// IsSupportedRegion reports whether r is a supported region
func IsSupportedRegion(r string) bool {
	return slices.Contains(regions, r)
}

// ValidatePlatforms rejects an empty list or any unsupported entry
func ValidatePlatforms(ps []string) error {
	if len(ps) == 0 {
		return fmt.Errorf("%w: at least one platform is required", domain.ErrUnsupportedPlatform)
	}

	var unsupported []string
	for _, p := range ps {
		if !IsSupportedPlatform(p) {
			unsupported = append(unsupported, p)
		}
	}
	if len(unsupported) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrUnsupportedPlatform, strings.Join(unsupported, ", "))
	}
	return nil
}

// ValidateRegion rejects unsupported regions
func ValidateRegion(r string) error {
	if !IsSupportedRegion(r) {
		return fmt.Errorf("%w: %s", domain.ErrUnsupportedRegion, r)
	}
	return nil
}

// DefaultRegion returns the region a platform's jobs go to when nothing overrides it
func DefaultRegion(platform string) string {
	if r, ok := defaultRegions[platform]; ok {
		return r
	}
	return FallbackRegion
}

// QueueName builds the queue name for a platform/region pair
func QueueName(platform, region string) string {
	return platform + queueSeparator + region
}

// ParseQueueName splits a queue name back into platform and region
func ParseQueueName(name string) (platform, region string, err error) {
	platform, region, ok := strings.Cut(name, queueSeparator)
	if !ok || platform == "" || region == "" {
		return "", "", fmt.Errorf("invalid queue name %q", name)
	}
	if !IsSupportedPlatform(platform) {
		return "", "", fmt.Errorf("%w: %s", domain.ErrUnsupportedPlatform, platform)
	}
	if !IsSupportedRegion(region) {
		return "", "", fmt.Errorf("%w: %s", domain.ErrUnsupportedRegion, region)
	}
	return platform, region, nil
}

// QueueNames returns every platform/region queue, platform-major
func QueueNames() []string {
	names := make([]string, 0, len(platforms)*len(regions))
	for _, p := range platforms {
		for _, r := range regions {
			names = append(names, QueueName(p, r))
		}
	}
	return names
}
