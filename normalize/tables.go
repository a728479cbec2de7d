package normalize

import (
	"github.com/JiscSD/qda-harvester/source"
)

// Field names a dataset attribute filled from a raw payload.
type Field string

const (
	Title              Field = "title"
	Description        Field = "description"
	DatePublished      Field = "date_published"
	Depositor          Field = "depositor"
	ContactName        Field = "contact_name"
	ContactEmail       Field = "contact_email"
	Authors            Field = "authors"
	Keywords           Field = "keywords"
	Subjects           Field = "subjects"
	Software           Field = "software"
	Languages          Field = "languages"
	KindOfData         Field = "kind_of_data"
	GeographicCoverage Field = "geographic_coverage"
	Producers          Field = "producers"
	Publications       Field = "publications"
	CollectionStart    Field = "collection_start"
	CollectionEnd      Field = "collection_end"
	PeriodStart        Field = "period_start"
	PeriodEnd          Field = "period_end"
	LicenseName        Field = "license_name"
	LicenseURL         Field = "license_url"
	TermsOfAccess      Field = "terms_of_access"
	TermsOfUse         Field = "terms_of_use"
	LicenseProxy       Field = "license_proxy"
)

// LicenseChain is the order in which license fields are handed to the
// classifier.
var LicenseChain = []Field{LicenseName, LicenseURL, TermsOfAccess, TermsOfUse, LicenseProxy}

// Table maps a field to the path expressions tried in order. The first one
// producing a value wins.
type Table map[Field][]string

// ChecksumRule reads a declared checksum. The algorithm is either fixed or
// read from AlgorithmPath.
type ChecksumRule struct {
	Algorithm     string
	AlgorithmPath string
	Value         string
}

// FileTable describes where file attributes live in a raw file payload.
type FileTable struct {
	Size         []string
	MIMEType     []string
	FriendlyType []string
	Restricted   []string
	Checksums    []ChecksumRule
}

// DatasetTables holds the built-in dataset tables of each family.
var DatasetTables = map[source.Family]Table{
	source.Dataverse: {
		Title:              {"fields.title"},
		Description:        {"fields.dsDescription[].dsDescriptionValue.value"},
		DatePublished:      {"publicationDate", "fields.distributionDate", "fields.dateOfDeposit", "latestVersion.releaseTime"},
		Depositor:          {"fields.depositor"},
		ContactName:        {"fields.datasetContact[0].datasetContactName.value"},
		ContactEmail:       {"fields.datasetContact[0].datasetContactEmail.value"},
		Authors:            {"fields.author[].authorName.value"},
		Keywords:           {"fields.keyword[].keywordValue.value"},
		Subjects:           {"fields.subject", "fields.topicClassification[].topicClassValue.value"},
		Software:           {"fields.software[].softwareName.value"},
		Languages:          {"fields.language"},
		KindOfData:         {"fields.kindOfData"},
		GeographicCoverage: {"fields.geographicCoverage[].country.value", "fields.geographicCoverage[].otherGeographicCoverage.value", "fields.geographicUnit"},
		Producers:          {"fields.producer[].producerName.value"},
		Publications:       {"fields.publication[].publicationCitation.value", "fields.publication[].publicationURL.value"},
		CollectionStart:    {"fields.dateOfCollection[0].dateOfCollectionStart.value"},
		CollectionEnd:      {"fields.dateOfCollection[0].dateOfCollectionEnd.value"},
		PeriodStart:        {"fields.timePeriodCovered[0].timePeriodCoveredStart.value"},
		PeriodEnd:          {"fields.timePeriodCovered[0].timePeriodCoveredEnd.value"},
		LicenseName:        {"latestVersion.license.name", "latestVersion.license"},
		LicenseURL:         {"latestVersion.license.uri"},
		TermsOfAccess:      {"latestVersion.termsOfAccess"},
		TermsOfUse:         {"latestVersion.termsOfUse"},
	},
	source.Figshare: {
		Title:         {"title"},
		Description:   {"description"},
		DatePublished: {"published_date", "created_date"},
		Authors:       {"authors[].full_name"},
		Keywords:      {"tags"},
		Subjects:      {"categories[].title"},
		KindOfData:    {"defined_type_name"},
		Publications:  {"references"},
		LicenseName:   {"license.name"},
		LicenseURL:    {"license.url"},
	},
	source.OSF: {
		Title:         {"node.attributes.title"},
		Description:   {"node.attributes.description"},
		DatePublished: {"node.attributes.date_created"},
		Authors:       {"contributors"},
		Keywords:      {"node.attributes.tags"},
		Subjects:      {"node.attributes.subjects[][].text"},
		KindOfData:    {"node.attributes.category"},
		LicenseName:   {"license.name"},
		LicenseURL:    {"license.url"},
		LicenseProxy:  {"license.text"},
	},
	source.OAIPMH: {
		Title:              {"title"},
		Description:        {"description"},
		DatePublished:      {"date", "datestamp"},
		Authors:            {"authors"},
		Keywords:           {"keywords"},
		Subjects:           {"subjects"},
		Languages:          {"languages"},
		KindOfData:         {"kind"},
		GeographicCoverage: {"coverage"},
		Producers:          {"producers"},
		CollectionStart:    {"collection_start"},
		CollectionEnd:      {"collection_end"},
		PeriodStart:        {"period_start"},
		PeriodEnd:          {"period_end"},
		LicenseName:        {"rights"},
		LicenseURL:         {"license_url"},
	},
	source.LOC: {
		Title:              {"item.title"},
		Description:        {"item.description", "item.summary"},
		DatePublished:      {"item.date"},
		Authors:            {"item.contributor_names", "item.contributor"},
		Subjects:           {"item.subject_headings", "item.subject"},
		Languages:          {"item.language"},
		KindOfData:         {"item.genre", "item.original_format"},
		GeographicCoverage: {"item.location"},
		Producers:          {"item.created_published"},
		LicenseName:        {"license_statement"},
		LicenseURL:         {"license_url"},
		LicenseProxy:       {"item.rights_advisory"},
	},
	source.IA: {
		Title:         {"metadata.title"},
		Description:   {"metadata.description"},
		DatePublished: {"metadata.date", "metadata.publicdate"},
		Depositor:     {"metadata.uploader"},
		Authors:       {"metadata.creator"},
		Subjects:      {"metadata.subject|split:;"},
		Languages:     {"metadata.language"},
		KindOfData:    {"metadata.mediatype"},
		LicenseName:   {"license_name"},
		LicenseURL:    {"license_url"},
		TermsOfUse:    {"metadata.rights"},
	},
}

// FileTables holds the built-in file tables of each family.
var FileTables = map[source.Family]FileTable{
	source.Dataverse: {
		Size:         []string{"dataFile.filesize"},
		MIMEType:     []string{"dataFile.contentType"},
		FriendlyType: []string{"dataFile.friendlyType"},
		Restricted:   []string{"restricted"},
		Checksums: []ChecksumRule{
			{AlgorithmPath: "dataFile.checksum.type", Value: "dataFile.checksum.value"},
			{Algorithm: "MD5", Value: "dataFile.md5"},
		},
	},
	source.Figshare: {
		Size:     []string{"size"},
		MIMEType: []string{"mimetype"},
		Checksums: []ChecksumRule{
			{Algorithm: "MD5", Value: "computed_md5"},
			{Algorithm: "MD5", Value: "supplied_md5"},
		},
	},
	source.OSF: {
		Size:     []string{"attributes.size"},
		MIMEType: []string{"attributes.content_type"},
		Checksums: []ChecksumRule{
			{Algorithm: "SHA-256", Value: "attributes.extra.hashes.sha256"},
			{Algorithm: "MD5", Value: "attributes.extra.hashes.md5"},
		},
	},
	source.OAIPMH: {
		Restricted: []string{"restricted"},
	},
	source.LOC: {
		Size:       []string{"size"},
		MIMEType:   []string{"mimetype"},
		Restricted: []string{"restricted"},
	},
	source.IA: {
		Size:       []string{"size"},
		MIMEType:   []string{"mimetype"},
		Restricted: []string{"restricted"},
		Checksums: []ChecksumRule{
			{Algorithm: "MD5", Value: "md5"},
			{Algorithm: "SHA-1", Value: "sha1"},
		},
	},
}
