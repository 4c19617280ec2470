package validation

const validBundle = `{
  "resourceType": "Bundle",
  "id": "bundle-1",
  "type": "collection",
  "entry": [
    {
      "fullUrl": "urn:uuid:7c3b1f0e-5a1d-4b7a-9d8e-0c2f3e4a5b6c",
      "resource": {
        "resourceType": "Patient",
        "id": "pat-1",
        "name": [{"family": "Doe", "given": ["Jane"]}]
      }
    }
  ]
}`

const bundleWithTotal = `{
  "resourceType": "Bundle",
  "type": "collection",
  "total": 1,
  "entry": [{"resource": {"resourceType": "Patient", "id": "pat-1"}}]
}`
