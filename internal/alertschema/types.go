// Package alertschema holds the avro-schema-bound record types that travel
// over the alert and broker-message topics, together with a symmetric
// schemaless codec for them.
package alertschema

import "time"

// DiaObject is one processing-version-specific record of an astrophysical
// object. Optional fields are nil when absent.
type DiaObject struct {
	DiaObjectID      int64      `avro:"diaObjectId" bson:"diaObjectId"`
	RadecMjdTai      *float64   `avro:"radecMjdTai" bson:"radecMjdTai"`
	ValidityStart    *time.Time `avro:"validityStart" bson:"validityStart"`
	ValidityEnd      *time.Time `avro:"validityEnd" bson:"validityEnd"`
	RA               float64    `avro:"ra" bson:"ra"`
	RAErr            *float32   `avro:"raErr" bson:"raErr"`
	Dec              float64    `avro:"dec" bson:"dec"`
	DecErr           *float32   `avro:"decErr" bson:"decErr"`
	RADecCov         *float32   `avro:"ra_dec_Cov" bson:"ra_dec_Cov"`
	NearbyExtObj1    *string    `avro:"nearbyExtObj1" bson:"nearbyExtObj1"`
	NearbyExtObj1Sep *float32   `avro:"nearbyExtObj1Sep" bson:"nearbyExtObj1Sep"`
	NearbyExtObj2    *string    `avro:"nearbyExtObj2" bson:"nearbyExtObj2"`
	NearbyExtObj2Sep *float32   `avro:"nearbyExtObj2Sep" bson:"nearbyExtObj2Sep"`
	NearbyExtObj3    *string    `avro:"nearbyExtObj3" bson:"nearbyExtObj3"`
	NearbyExtObj3Sep *float32   `avro:"nearbyExtObj3Sep" bson:"nearbyExtObj3Sep"`
	NearbyLowzGal    *string    `avro:"nearbyLowzGal" bson:"nearbyLowzGal"`
	NearbyLowzGalSep *float32   `avro:"nearbyLowzGalSep" bson:"nearbyLowzGalSep"`
	Parallax         *float32   `avro:"parallax" bson:"parallax"`
	ParallaxErr      *float32   `avro:"parallaxErr" bson:"parallaxErr"`
	PMRa             *float32   `avro:"pmRa" bson:"pmRa"`
	PMRaErr          *float32   `avro:"pmRaErr" bson:"pmRaErr"`
	PMRaParallaxCov  *float32   `avro:"pmRa_parallax_Cov" bson:"pmRa_parallax_Cov"`
	PMDec            *float32   `avro:"pmDec" bson:"pmDec"`
	PMDecErr         *float32   `avro:"pmDecErr" bson:"pmDecErr"`
	PMDecParallaxCov *float32   `avro:"pmDec_parallax_Cov" bson:"pmDec_parallax_Cov"`
	PMRaPMDecCov     *float32   `avro:"pmRa_pmDec_Cov" bson:"pmRa_pmDec_Cov"`
}

// DiaSource is a single detection of a DiaObject in a visit/detector.
type DiaSource struct {
	DiaSourceID       int64    `avro:"diaSourceId" bson:"diaSourceId"`
	DiaObjectID       int64    `avro:"diaObjectId" bson:"diaObjectId"`
	SSObjectID        *int64   `avro:"ssObjectId" bson:"ssObjectId"`
	ParentDiaSourceID *int64   `avro:"parentDiaSourceId" bson:"parentDiaSourceId"`
	Visit             int64    `avro:"visit" bson:"visit"`
	Detector          int32    `avro:"detector" bson:"detector"`
	Band              string   `avro:"band" bson:"band"`
	MidpointMjdTai    float64  `avro:"midpointMjdTai" bson:"midpointMjdTai"`
	RA                float64  `avro:"ra" bson:"ra"`
	RAErr             *float32 `avro:"raErr" bson:"raErr"`
	Dec               float64  `avro:"dec" bson:"dec"`
	DecErr            *float32 `avro:"decErr" bson:"decErr"`
	RADecCov          *float32 `avro:"ra_dec_Cov" bson:"ra_dec_Cov"`
	PSFFlux           float32  `avro:"psfFlux" bson:"psfFlux"`
	PSFFluxErr        float32  `avro:"psfFluxErr" bson:"psfFluxErr"`
	ScienceFlux       *float32 `avro:"scienceFlux" bson:"scienceFlux"`
	ScienceFluxErr    *float32 `avro:"scienceFluxErr" bson:"scienceFluxErr"`
	SNR               *float32 `avro:"snr" bson:"snr"`
	Extendedness      *float32 `avro:"extendedness" bson:"extendedness"`
	Reliability       *float32 `avro:"reliability" bson:"reliability"`
}

// DiaForcedSource is a forced-photometry measurement at a DiaObject's
// position, made whether or not anything was detected there.
type DiaForcedSource struct {
	DiaForcedSourceID int64      `avro:"diaForcedSourceId" bson:"diaForcedSourceId"`
	DiaObjectID       int64      `avro:"diaObjectId" bson:"diaObjectId"`
	Visit             int64      `avro:"visit" bson:"visit"`
	Detector          int32      `avro:"detector" bson:"detector"`
	Band              string     `avro:"band" bson:"band"`
	MidpointMjdTai    float64    `avro:"midpointMjdTai" bson:"midpointMjdTai"`
	RA                float64    `avro:"ra" bson:"ra"`
	Dec               float64    `avro:"dec" bson:"dec"`
	PSFFlux           float32    `avro:"psfFlux" bson:"psfFlux"`
	PSFFluxErr        float32    `avro:"psfFluxErr" bson:"psfFluxErr"`
	ScienceFlux       *float32   `avro:"scienceFlux" bson:"scienceFlux"`
	ScienceFluxErr    *float32   `avro:"scienceFluxErr" bson:"scienceFluxErr"`
	TimeProcessed     *time.Time `avro:"time_processed" bson:"time_processed"`
	TimeWithdrawn     *time.Time `avro:"time_withdrawn" bson:"time_withdrawn"`
}

// Alert is the record broadcast for each new DiaSource, carrying a bounded
// history of prior sources and prior forced sources.
type Alert struct {
	AlertID             int64             `avro:"alertId" bson:"alertId"`
	DiaSource           DiaSource         `avro:"diaSource" bson:"diaSource"`
	PrvDiaSources       []DiaSource       `avro:"prvDiaSources" bson:"prvDiaSources"`
	PrvDiaForcedSources []DiaForcedSource `avro:"prvDiaForcedSources" bson:"prvDiaForcedSources"`
	DiaObject           *DiaObject        `avro:"diaObject" bson:"diaObject"`
}

// Classification is one class/probability pair assigned by a classifier.
type Classification struct {
	ClassID     int32   `avro:"classId" bson:"classId"`
	Probability float32 `avro:"probability" bson:"probability"`
}

// BrokerMessage is what a broker publishes back after classifying an Alert.
type BrokerMessage struct {
	AlertID             int64             `avro:"alertId" bson:"alertId"`
	DiaSource           DiaSource         `avro:"diaSource" bson:"diaSource"`
	PrvDiaSources       []DiaSource       `avro:"prvDiaSources" bson:"prvDiaSources"`
	PrvDiaForcedSources []DiaForcedSource `avro:"prvDiaForcedSources" bson:"prvDiaForcedSources"`
	DiaObject           *DiaObject        `avro:"diaObject" bson:"diaObject"`
	BrokerName          string            `avro:"brokerName" bson:"brokerName"`
	BrokerVersion       string            `avro:"brokerVersion" bson:"brokerVersion"`
	ClassifierName      string            `avro:"classifierName" bson:"classifierName"`
	ClassifierParams    *string           `avro:"classifierParams" bson:"classifierParams"`
	Classifications     []Classification  `avro:"classifications" bson:"classifications"`
}

// BrokerMessageDoc is the document-store form of a consumed BrokerMessage:
// the decoded message plus its provenance on the bus and the save time.
type BrokerMessageDoc struct {
	Topic     string        `bson:"topic"`
	MsgOffset int64         `bson:"msgoffset"`
	Timestamp *time.Time    `bson:"timestamp"`
	SaveTime  time.Time     `bson:"savetime"`
	Msg       BrokerMessage `bson:"msg"`
}
