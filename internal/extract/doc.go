// Package extract fetches every feature service record inside an area of
// interest when the service caps the number of records a single query may
// return. Regions that hit the cap are split into bounding-box quadrants,
// clipped to the region, and queried again until each leaf is under the cap.
package extract
