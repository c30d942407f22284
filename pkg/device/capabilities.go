package device

// Capabilities decodes the AirPlay status-flags/features bitmask
// returned by GET /info into named booleans, mirroring the
// features_map table in original_source/src/airplay2_client.c
// (credited there to @invano,
// https://emanuelecozzi.net/docs/airplay2). The distilled spec.md
// does not mention this table; it is restored here. The Session
// Engine uses it only to require AirPlay audio support; the pairing
// mode and the metadata/artwork sequences do not depend on it.
type Capabilities struct {
	raw uint64

	SupportsAirPlayAudio                     bool
	SupportsLegacyPairing                    bool
	SupportsSystemPairing                    bool
	SupportsCoreUtilsPairingAndEncryption    bool
	SupportsUnifiedPairSetupAndMFi           bool
	SupportsPTP                              bool
	SupportsBufferedAudio                    bool
	MetadataFeaturesArtwork                  bool
	MetadataFeaturesProgress                 bool
	MetadataFeaturesNowPlayingDAAP           bool
	MetadataFeaturesNowPlayingBPlist         bool
	SupportsVolume                           bool
}

// bit indices from the original's features_map; each bit is listed
// once here, under a single name.
const (
	bitAirPlayAudio             = 9
	bitAuthentication4FairPlay  = 14
	bitMetadataArtwork          = 15
	bitMetadataProgress         = 16
	bitMetadataNowPlayingDAAP   = 17
	bitLegacyPairing            = 27
	bitVolume                   = 32
	bitTLSPSK                   = 35
	bitUnifiedMediaControl      = 38
	bitBufferedAudio            = 40
	bitPTP                      = 41
	bitSystemPairing            = 43
	bitHKPairingAndAccessCtrl   = 46
	bitCoreUtilsPairingAndCrypt = 48
	bitMetadataNowPlayingBPlist = 50
	bitUnifiedPairSetupAndMFi   = 51
)

func bit(raw uint64, n uint) bool {
	if n >= 64 {
		return false
	}
	return raw&(1<<n) != 0
}

// DecodeCapabilities decodes the 64-bit status-flags/features value
// from GET /info into a Capabilities record.
func DecodeCapabilities(raw uint64) Capabilities {
	return Capabilities{
		raw:                          raw,
		SupportsAirPlayAudio:         bit(raw, bitAirPlayAudio),
		SupportsLegacyPairing:        bit(raw, bitLegacyPairing),
		SupportsSystemPairing:        bit(raw, bitSystemPairing),
		SupportsCoreUtilsPairingAndEncryption: bit(raw, bitCoreUtilsPairingAndCrypt) ||
			bit(raw, bitUnifiedMediaControl) || bit(raw, bitHKPairingAndAccessCtrl) ||
			bit(raw, bitSystemPairing),
		SupportsUnifiedPairSetupAndMFi: bit(raw, bitUnifiedPairSetupAndMFi),
		SupportsPTP:                    bit(raw, bitPTP),
		SupportsBufferedAudio:          bit(raw, bitBufferedAudio),
		MetadataFeaturesArtwork:        bit(raw, bitMetadataArtwork),
		MetadataFeaturesProgress:       bit(raw, bitMetadataProgress),
		MetadataFeaturesNowPlayingDAAP: bit(raw, bitMetadataNowPlayingDAAP),
		MetadataFeaturesNowPlayingBPlist: bit(raw, bitMetadataNowPlayingBPlist),
		SupportsVolume:                bit(raw, bitVolume),
	}
}

// Raw returns the undecoded bitmask, for logging.
func (c Capabilities) Raw() uint64 { return c.raw }
